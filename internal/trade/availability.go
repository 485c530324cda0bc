package trade

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"tradenet/internal/faults"
	"tradenet/internal/messaging"
	"tradenet/internal/proto"
	"tradenet/internal/task"
)

type availabilityModel struct {
	offer  proto.OfferPayload
	price  int64
	result proto.OfferAvailabilityResponse
}

// CheckAvailability asks the maker whether offerID can still be taken at
// the offer price. Anything but AVAILABLE fails with the maker's answer.
func (m *Manager) CheckAvailability(ctx context.Context, offerID string) (proto.OfferAvailabilityResponse, error) {
	offer, ok := m.book.Get(offerID)
	if !ok {
		return proto.OfferAvailabilityResponse{}, fmt.Errorf("%w: %s", ErrUnknownOffer, offerID)
	}
	model := &availabilityModel{offer: offer.Payload, price: offer.Payload.Price}
	done, onComplete, onFault := sequenceCallbacks()
	r := runner(m.opts, model, onComplete, onFault)
	r.AddTasks(
		task.Task[availabilityModel]{Name: "SendOfferAvailabilityRequest", Run: func(s *task.Step[availabilityModel]) {
			m.requestAvailability(ctx, s.Model(), s)
		}},
		task.Task[availabilityModel]{Name: "ProcessOfferAvailabilityResponse", Run: func(s *task.Step[availabilityModel]) {
			m.processAvailability(s.Model(), s)
		}},
	)
	if err := r.Run(); err != nil {
		return proto.OfferAvailabilityResponse{}, err
	}
	err := wait(ctx, done)
	return model.result, err
}

type stepper interface {
	Complete()
	Fail(err error)
}

// requestAvailability sends the request and completes s once the maker
// answered. A maker that cannot be reached marks the offer OFFERER_OFFLINE.
func (m *Manager) requestAvailability(ctx context.Context, md *availabilityModel, s stepper) {
	requestID := uuid.NewString()
	msg := m.opts.message(proto.KindOfferAvailabilityRequest, requestID)
	msg.AvailabilityRequest = &proto.OfferAvailabilityRequest{
		OfferID:    md.offer.ID,
		TakerKeys:  m.opts.pubKeys(),
		TradePrice: md.price,
	}
	cancel := m.expect(requestID, proto.KindOfferAvailabilityResponse, func(resp proto.TradeMessage, err error) {
		if err != nil {
			m.book.SetState(md.offer.ID, OfferOffererOffline, err.Error())
			s.Fail(faults.Transportf(ErrOffererOffline, "availability of %s", md.offer.ID))
			return
		}
		md.result = *resp.AvailabilityResponse
		s.Complete()
	})
	await(m.opts.Messaging.SendDirect(ctx, md.offer.Maker, md.offer.MakerKeys, msg), func(o messaging.Outcome) {
		if o.Kind != messaging.Fault {
			return
		}
		cancel()
		if faults.Retryable(o.Err) {
			m.book.SetState(md.offer.ID, OfferOffererOffline, o.Err.Error())
			s.Fail(faults.Transportf(ErrOffererOffline, "availability of %s: %v", md.offer.ID, o.Err))
			return
		}
		s.Fail(o.Err)
	})
}

func (m *Manager) processAvailability(md *availabilityModel, s stepper) {
	if md.result.OfferID != md.offer.ID {
		s.Fail(faults.New(faults.ProtocolViolation, "availability response for another offer"))
		return
	}
	if md.result.Result != proto.AvailabilityAvailable {
		reason := string(md.result.Result)
		m.book.SetState(md.offer.ID, OfferNotAvailable, reason)
		s.Fail(faults.Wrap(faults.Validation, "offer "+md.offer.ID+" "+reason, ErrNotAvailable))
		return
	}
	m.book.SetState(md.offer.ID, OfferAvailable, "")
	s.Complete()
}
