package tunnel

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

const ticketAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var ticketPattern = regexp.MustCompile("^[a-zA-Z0-9]{48}$")

// Broker issues and redeems tunnel tickets. A ticket is the only handle a
// client ever holds; the resource endpoint stays server-side and is resolved
// during redemption.
type Broker struct {
	manager *manager.Manager
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewBroker creates a ticket broker with the given ticket lifetime
func NewBroker(mgr *manager.Manager, ttl time.Duration) *Broker {
	return &Broker{
		manager: mgr,
		ttl:     ttl,
		logger:  log.WithComponent("tunnel-broker"),
	}
}

// IssueTicket mints a single-use ticket for an active assignment. The
// resource must be assigned and have a recorded endpoint; otherwise there
// is nothing a tunnel could connect to.
func (b *Broker) IssueTicket(assignmentID string) (*types.TunnelTicket, error) {
	a, err := b.manager.GetAssignment(assignmentID)
	if err != nil {
		return nil, err
	}
	if a.State != types.AssignmentStateActive {
		return nil, errdefs.Conflict("assignment " + assignmentID + " is not active")
	}

	res, err := b.manager.GetResource(a.ResourceID)
	if err != nil {
		return nil, err
	}
	if res.State != types.ResourceStateAssigned || res.Endpoint == nil {
		return nil, errdefs.Conflict("resource " + res.ID + " is not connectable")
	}

	id, err := newTicketID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ticket := &types.TunnelTicket{
		ID:           id,
		AssignmentID: a.ID,
		ResourceID:   res.ID,
		UserID:       a.UserID,
		Endpoint:     res.Endpoint,
		State:        types.TicketStateIssued,
		IssuedAt:     now,
		ExpiresAt:    now.Add(b.ttl),
	}
	if err := b.manager.CreateTicket(ticket); err != nil {
		return nil, err
	}

	metrics.TicketsIssued.Inc()
	b.manager.PublishEvent(&events.Event{
		Type:     events.EventTicketIssued,
		Message:  "tunnel ticket issued",
		Metadata: map[string]string{"assignment_id": a.ID, "user_id": a.UserID},
	})
	b.logger.Debug().Str("assignment_id", a.ID).Time("expires_at", ticket.ExpiresAt).
		Msg("ticket issued")
	return ticket, nil
}

// Redeem consumes a ticket exactly once and returns the endpoint it was
// bound to. Expired, consumed, unknown and malformed tickets all fail the
// same way from the client's perspective.
func (b *Broker) Redeem(ticketID string) (*types.TunnelTicket, error) {
	if !ticketPattern.MatchString(ticketID) {
		metrics.TicketsRedeemed.WithLabelValues("invalid").Inc()
		return nil, errdefs.NotFound("ticket")
	}

	ticket, err := b.manager.RedeemTicket(ticketID, time.Now())
	if err != nil {
		metrics.TicketsRedeemed.WithLabelValues(redeemOutcome(err)).Inc()
		return nil, err
	}

	metrics.TicketsRedeemed.WithLabelValues("ok").Inc()
	b.manager.PublishEvent(&events.Event{
		Type:     events.EventTicketRedeemed,
		Message:  "tunnel ticket redeemed",
		Metadata: map[string]string{"assignment_id": ticket.AssignmentID, "resource_id": ticket.ResourceID},
	})
	return ticket, nil
}

func redeemOutcome(err error) string {
	switch errdefs.Kind(err) {
	case errdefs.ErrTicketExpired.Error():
		return "expired"
	case errdefs.ErrTicketAlreadyUsed.Error():
		return "already_used"
	case errdefs.ErrNotFound.Error():
		return "not_found"
	default:
		return "error"
	}
}

// newTicketID draws a 48-character alphanumeric identifier from crypto/rand
func newTicketID() (string, error) {
	max := big.NewInt(int64(len(ticketAlphabet)))
	buf := make([]byte, types.TicketLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = ticketAlphabet[n.Int64()]
	}
	return string(buf), nil
}
