// SPDX-License-Identifier: AGPL-3.0-or-later

package job

import "errors"

var (
	ErrNotPauseable   = errors.New("job: can only pause a job that is queued")
	ErrNotPaused      = errors.New("job: can only resume a job that is paused")
	ErrNotErrored     = errors.New("job: job is not in the error state")
	ErrNotQueued      = errors.New("job: job is not in the queued state")
	ErrRollbackFailed = errors.New("job: rollback did not complete")
	ErrUnknownScript  = errors.New("job: script name matches neither the target's create nor destroy script")
)
