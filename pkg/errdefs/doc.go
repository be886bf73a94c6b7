/*
Package errdefs defines Burrow's error taxonomy.

Every error that crosses a package boundary is classified against a small
set of sentinels so callers can branch with errors.Is instead of string
matching. The same taxonomy drives the HTTP status mapping in pkg/api and
the retry decision in pkg/pipeline.

# Error Kinds

  - ErrTransient: provider failure worth retrying (network blip, rate limit)
  - ErrPermanent: provider failure retrying cannot fix (bad image, quota)
  - ErrCapacityExhausted: pool at MaxCount, nothing to claim or create
  - ErrPending: on-demand provision submitted, poll again
  - ErrTicketExpired / ErrTicketAlreadyUsed: tunnel ticket refusals
  - ErrConflict: conditional update lost a race; re-read and retry
  - ErrNotFound: missing record
  - ErrNotLeader: write landed on a follower

# Usage

Providers wrap their failures:

	if err := pull(image); err != nil {
		return errdefs.Permanent(err)
	}

Callers classify:

	if errors.Is(err, errdefs.ErrConflict) {
		continue // another actor won, pick the next candidate
	}

Kind reduces an error to the one string allowed across the API boundary;
raw provider detail stays in logs.
*/
package errdefs
