package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/repositories"
)

type orderOperation string

const (
	opSubmitOffer     orderOperation = "submit_offer"
	opAcceptOffer     orderOperation = "accept_offer"
	opRejectOffer     orderOperation = "reject_offer"
	opStartWork       orderOperation = "start_work"
	opDeliver         orderOperation = "deliver"
	opRequestRevision orderOperation = "request_revision"
	opMarkPaid        orderOperation = "mark_paid"
	opComplete        orderOperation = "complete"
	opCancelOnRefund  orderOperation = "cancel_on_refund"
)

const maxFeedbackLength = 4000

// orderTransitions is the whole state machine. A (status, operation) pair that is not listed is
// rejected; there is no fallback.
var orderTransitions = map[orderOperation]map[OrderStatus]OrderStatus{
	opSubmitOffer: {
		domain.OrderStatusPending: domain.OrderStatusOfferPending,
	},
	opAcceptOffer: {
		domain.OrderStatusOfferPending: domain.OrderStatusOfferAccepted,
	},
	opRejectOffer: {
		domain.OrderStatusOfferPending: domain.OrderStatusPending,
	},
	opStartWork: {
		domain.OrderStatusOfferAccepted:     domain.OrderStatusInProgress,
		domain.OrderStatusRevisionRequested: domain.OrderStatusInProgress,
	},
	opDeliver: {
		domain.OrderStatusOfferAccepted:     domain.OrderStatusReadyForPayment,
		domain.OrderStatusInProgress:        domain.OrderStatusReadyForPayment,
		domain.OrderStatusRevisionRequested: domain.OrderStatusReadyForPayment,
	},
	opRequestRevision: {
		domain.OrderStatusInProgress:      domain.OrderStatusRevisionRequested,
		domain.OrderStatusReadyForPayment: domain.OrderStatusRevisionRequested,
	},
	opMarkPaid: {
		domain.OrderStatusReadyForPayment: domain.OrderStatusPaid,
	},
	opComplete: {
		domain.OrderStatusPaid: domain.OrderStatusCompleted,
	},
	opCancelOnRefund: {
		domain.OrderStatusReadyForPayment: domain.OrderStatusCancelled,
		domain.OrderStatusPaid:            domain.OrderStatusCancelled,
	},
}

var orderOperationActions = map[orderOperation]string{
	opSubmitOffer:     actionOffer,
	opAcceptOffer:     actionAccept,
	opRejectOffer:     actionReject,
	opStartWork:       actionStart,
	opDeliver:         actionDeliver,
	opRequestRevision: actionRevise,
	opMarkPaid:        actionPay,
	opComplete:        actionComplete,
	opCancelOnRefund:  actionRefund,
}

func nextOrderStatus(current OrderStatus, op orderOperation) (OrderStatus, bool) {
	next, ok := orderTransitions[op][current]
	return next, ok
}

// chatNote is the system message narrating a transition.
type chatNote struct {
	Content  string
	FileURL  string
	FileType string
}

// transitionCommand is one lifecycle step. execute loads the order inside a unit of work, checks
// the actor and the transition table, then writes the status change and every derived record
// through the same transaction.
type transitionCommand struct {
	op      orderOperation
	actor   Principal
	orderID string
	// owns selects the actor relationship the operation requires.
	owns func(Order) Ownership
	// check runs after the table lookup for preconditions that depend on more than the status.
	check func(Order) error
	// apply moves the order into its next stage and reports counter increments.
	apply func(order *Order, now time.Time) repositories.OrderUpdate
	// history is the audit message written with the status snapshot.
	history func(Order) string
	narrate func(Order) chatNote
	notify  func(Order) []notificationDraft
	// provision writes records derived from the transition, such as cart entries.
	provision func(ctx context.Context, order Order, now time.Time) error
}

type transitionResult struct {
	order    Order
	previous OrderStatus
	staged   []Notification
	at       time.Time
}

func (s *orderService) execute(ctx context.Context, cmd transitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.orderID)
	if orderID == "" {
		return Order{}, invalidField(ErrOrderInvalidInput, "orderId", "is required")
	}

	var res transitionResult
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		res = transitionResult{}
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.errs.mapError(err)
		}
		var owns Ownership
		if cmd.owns != nil {
			owns = cmd.owns(order)
		}
		if err := s.authorize(cmd.actor, orderOperationActions[cmd.op], owns); err != nil {
			return err
		}
		next, ok := nextOrderStatus(order.Status(), cmd.op)
		if !ok {
			return fmt.Errorf("%w: cannot %s an order in %s", ErrOrderInvalidTransition, cmd.op, order.Status())
		}
		if cmd.check != nil {
			if err := cmd.check(order); err != nil {
				return err
			}
		}
		chat, hasChat, err := s.chatForOrder(txCtx, order.ID)
		if err != nil {
			return err
		}

		now := s.now()
		res.previous = order.Status()
		update := cmd.apply(&order, now)
		if order.Status() != next {
			return fmt.Errorf("order: %s moved order %s to %s instead of %s", cmd.op, order.ID, order.Status(), next)
		}
		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order, update); err != nil {
			return s.errs.mapError(err)
		}
		order.UsedRevisions += update.IncrementUsedRevisions

		if err := s.history.Append(txCtx, OrderHistory{
			ID:        historyIDPrefix + s.newID(),
			OrderID:   order.ID,
			Status:    order.Status(),
			Message:   cmd.history(order),
			ActorID:   cmd.actor.UserID,
			CreatedAt: now,
		}); err != nil {
			return s.errs.mapError(err)
		}
		if hasChat && cmd.narrate != nil {
			if err := s.appendSystemMessage(txCtx, chat, cmd.actor, cmd.narrate(order), now); err != nil {
				return err
			}
		}
		if cmd.provision != nil {
			if err := cmd.provision(txCtx, order, now); err != nil {
				return err
			}
		}
		if cmd.notify != nil {
			staged, err := s.inbox.stage(txCtx, cmd.notify(order), now)
			if err != nil {
				return s.errs.mapError(err)
			}
			res.staged = staged
		}
		res.order = order
		res.at = now
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.inbox.committed(ctx, res.staged)
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        res.order.ID,
		PreviousStatus: string(res.previous),
		CurrentStatus:  string(res.order.Status()),
		ActorID:        cmd.actor.UserID,
		OccurredAt:     res.at,
		Metadata:       map[string]any{"operation": string(cmd.op)},
	})
	return res.order, nil
}

func (s *orderService) authorize(actor Principal, action string, owns Ownership) error {
	err := s.guard.Require(actor, resourceOrder, action, owns)
	if err != nil && errors.Is(err, ErrForbidden) {
		return fmt.Errorf("%w: %v", ErrOrderForbidden, err)
	}
	return err
}

func (s *orderService) chatForOrder(ctx context.Context, orderID string) (Chat, bool, error) {
	chat, err := s.chats.FindByOrder(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return Chat{}, false, nil
		}
		return Chat{}, false, s.errs.mapError(err)
	}
	return chat, true, nil
}

func (s *orderService) appendSystemMessage(ctx context.Context, chat Chat, actor Principal, note chatNote, now time.Time) error {
	msg := ChatMessage{
		ID:              messageIDPrefix + s.newID(),
		ChatID:          chat.ID,
		SenderID:        actor.UserID,
		Content:         note.Content,
		IsSystemMessage: true,
		CreatedAt:       now,
	}
	if note.FileURL != "" {
		fileURL := note.FileURL
		msg.FileURL = &fileURL
		if note.FileType != "" {
			fileType := note.FileType
			msg.FileType = &fileType
		}
	}
	if err := s.chats.AppendMessage(ctx, msg); err != nil {
		return s.errs.mapError(err)
	}
	return nil
}

func (s *orderService) SubmitOffer(ctx context.Context, cmd SubmitOfferCommand) (Order, error) {
	included := domain.DefaultIncludedRevisions
	if cmd.IncludedRevisions != nil {
		included = *cmd.IncludedRevisions
	}
	switch {
	case cmd.Price <= 0:
		return Order{}, invalidField(ErrOrderInvalidInput, "price", "must be positive")
	case cmd.ProductionDays <= 0:
		return Order{}, invalidField(ErrOrderInvalidInput, "productionTime", "must be at least one day")
	case included < 0 || included > maxIncludedRevisions:
		return Order{}, invalidField(ErrOrderInvalidInput, "includedRevisions", fmt.Sprintf("must be between 0 and %d", maxIncludedRevisions))
	}
	message := strings.TrimSpace(cmd.Message)

	return s.execute(ctx, transitionCommand{
		op:      opSubmitOffer,
		actor:   cmd.Actor,
		orderID: cmd.OrderID,
		owns:    AssignedTo,
		apply: func(order *Order, now time.Time) repositories.OrderUpdate {
			order.IncludedRevisions = included
			order.Stage = domain.OfferPendingStage{Offer: domain.Offer{
				Price:          cmd.Price,
				ProductionDays: cmd.ProductionDays,
				Message:        message,
				OfferedAt:      now,
			}}
			return repositories.OrderUpdate{}
		},
		history: func(Order) string {
			return fmt.Sprintf("Offer submitted: %s, %d days, %d revisions", formatMoney(cmd.Price), cmd.ProductionDays, included)
		},
		narrate: func(Order) chatNote {
			content := fmt.Sprintf("Offer submitted: %s with delivery in %d days and %d revisions included.", formatMoney(cmd.Price), cmd.ProductionDays, included)
			if message != "" {
				content += "\n" + message
			}
			return chatNote{Content: content}
		},
		notify: func(order Order) []notificationDraft {
			return []notificationDraft{{
				UserID:   order.CustomerID,
				Type:     domain.NotificationOffer,
				Title:    "New offer received",
				Message:  fmt.Sprintf("An offer of %s was submitted for %q.", formatMoney(cmd.Price), order.Title),
				Link:     orderLink(order.ID),
				Metadata: map[string]any{"orderId": order.ID, "price": cmd.Price},
			}}
		},
	})
}

func (s *orderService) AcceptOffer(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	return s.execute(ctx, transitionCommand{
		op:      opAcceptOffer,
		actor:   cmd.Actor,
		orderID: cmd.OrderID,
		owns:    OwnsOrder,
		apply: func(order *Order, now time.Time) repositories.OrderUpdate {
			offer, _ := order.Offer()
			order.Stage = domain.OfferAcceptedStage{Engagement: domain.Engagement{Offer: offer, AcceptedAt: now}}
			return repositories.OrderUpdate{}
		},
		history: constMessage("Offer accepted"),
		narrate: constNote("Offer accepted. Production can begin."),
		notify: notifyDirector(domain.NotificationOrder, "Offer accepted", func(order Order) string {
			return fmt.Sprintf("Your offer for %q was accepted.", order.Title)
		}),
	})
}

func (s *orderService) RejectOffer(ctx context.Context, cmd RejectOfferCommand) (Order, error) {
	reason := strings.TrimSpace(cmd.Reason)
	if utf8.RuneCountInString(reason) > maxFeedbackLength {
		return Order{}, invalidField(ErrOrderInvalidInput, "reason", fmt.Sprintf("must be at most %d characters", maxFeedbackLength))
	}
	withReason := func(base string) string {
		if reason == "" {
			return base
		}
		return base + ": " + reason
	}

	return s.execute(ctx, transitionCommand{
		op:      opRejectOffer,
		actor:   cmd.Actor,
		orderID: cmd.OrderID,
		owns:    OwnsOrder,
		apply: func(order *Order, _ time.Time) repositories.OrderUpdate {
			order.Stage = domain.PendingStage{}
			order.IncludedRevisions = domain.DefaultIncludedRevisions
			return repositories.OrderUpdate{}
		},
		history: func(Order) string { return withReason("Offer rejected") },
		narrate: func(Order) chatNote { return chatNote{Content: withReason("Offer declined")} },
		notify: notifyDirector(domain.NotificationOffer, "Offer declined", func(order Order) string {
			return withReason(fmt.Sprintf("Your offer for %q was declined", order.Title))
		}),
	})
}

func (s *orderService) StartWork(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	return s.execute(ctx, transitionCommand{
		op:      opStartWork,
		actor:   cmd.Actor,
		orderID: cmd.OrderID,
		owns:    AssignedTo,
		apply: func(order *Order, _ time.Time) repositories.OrderUpdate {
			engagement, _ := order.Engagement()
			stage := domain.InProgressStage{Engagement: engagement}
			if d, ok := order.LatestDelivery(); ok {
				stage.LastDelivery = &d
			}
			order.Stage = stage
			return repositories.OrderUpdate{}
		},
		history: constMessage("Work started"),
		narrate: constNote("The director started working on the track."),
		notify: notifyCustomer(domain.NotificationOrder, "Work started", func(order Order) string {
			return fmt.Sprintf("Production of %q is under way.", order.Title)
		}),
	})
}

func (s *orderService) Deliver(ctx context.Context, cmd DeliverCommand) (Order, error) {
	musicURL := strings.TrimSpace(cmd.MusicURL)
	if musicURL == "" {
		return Order{}, invalidField(ErrOrderInvalidInput, "musicUrl", "is required")
	}
	if !strings.HasPrefix(musicURL, "https://") && !strings.HasPrefix(musicURL, "gs://") {
		return Order{}, invalidField(ErrOrderInvalidInput, "musicUrl", "must be an https or gs URL")
	}
	message := strings.TrimSpace(cmd.Message)

	return s.execute(ctx, transitionCommand{
		op:      opDeliver,
		actor:   cmd.Actor,
		orderID: cmd.OrderID,
		owns:    AssignedTo,
		apply: func(order *Order, now time.Time) repositories.OrderUpdate {
			engagement, _ := order.Engagement()
			order.Stage = domain.ReadyForPaymentStage{
				Engagement: engagement,
				Delivery:   domain.Delivery{MusicURL: musicURL, Message: message, DeliveredAt: now},
			}
			return repositories.OrderUpdate{}
		},
		history: constMessage("Track delivered"),
		narrate: func(Order) chatNote {
			content := "Track delivered and ready for payment."
			if message != "" {
				content += "\n" + message
			}
			return chatNote{Content: content, FileURL: musicURL, FileType: "audio"}
		},
		provision: func(ctx context.Context, order Order, now time.Time) error {
			offer, _ := order.Offer()
			if err := s.carts.Insert(ctx, CartItem{
				ID:          cartIDPrefix + s.newID(),
				CustomerID:  order.CustomerID,
				OrderID:     order.ID,
				Title:       order.Title,
				Price:       offer.Price,
				LicenseType: domain.LicenseCommercial,
				CreatedAt:   now,
			}); err != nil {
				return s.errs.mapError(err)
			}
			return nil
		},
		notify: notifyCustomer(domain.NotificationOrder, "Track delivered", func(order Order) string {
			return fmt.Sprintf("%q is ready for payment.", order.Title)
		}),
	})
}

func (s *orderService) RequestRevision(ctx context.Context, cmd RequestRevisionCommand) (Order, error) {
	feedback := strings.TrimSpace(cmd.Feedback)
	if feedback == "" {
		return Order{}, invalidField(ErrOrderInvalidInput, "feedback", "is required")
	}
	if utf8.RuneCountInString(feedback) > maxFeedbackLength {
		return Order{}, invalidField(ErrOrderInvalidInput, "feedback", fmt.Sprintf("must be at most %d characters", maxFeedbackLength))
	}

	return s.execute(ctx, transitionCommand{
		op:      opRequestRevision,
		actor:   cmd.Actor,
		orderID: cmd.OrderID,
		owns:    OwnsOrder,
		check: func(order Order) error {
			if order.UsedRevisions >= order.IncludedRevisions {
				return fmt.Errorf("%w: order %s used %d of %d revisions", ErrRevisionsExhausted, order.ID, order.UsedRevisions, order.IncludedRevisions)
			}
			return nil
		},
		apply: func(order *Order, now time.Time) repositories.OrderUpdate {
			engagement, _ := order.Engagement()
			stage := domain.RevisionRequestedStage{Engagement: engagement, Feedback: feedback, RequestedAt: now}
			if d, ok := order.LatestDelivery(); ok {
				stage.LastDelivery = &d
			}
			order.Stage = stage
			return repositories.OrderUpdate{IncrementUsedRevisions: 1}
		},
		history: func(order Order) string {
			return fmt.Sprintf("Revision %d of %d requested", order.UsedRevisions, order.IncludedRevisions)
		},
		narrate: func(order Order) chatNote {
			return chatNote{Content: fmt.Sprintf("Revision %d of %d requested:\n%s", order.UsedRevisions, order.IncludedRevisions, feedback)}
		},
		notify: func(order Order) []notificationDraft {
			director, _ := order.AssignedDirector()
			return []notificationDraft{{
				UserID:  director,
				Type:    domain.NotificationRevision,
				Title:   "Revision requested",
				Message: fmt.Sprintf("The customer requested changes to %q.", order.Title),
				Link:    orderLink(order.ID),
				Metadata: map[string]any{
					"orderId":            order.ID,
					"remainingRevisions": order.RemainingRevisions(),
				},
			}}
		},
	})
}

func (s *orderService) MarkPaid(ctx context.Context, cmd PaymentTransitionCommand) (Order, error) {
	return s.execute(ctx, transitionCommand{
		op:      opMarkPaid,
		actor:   cmd.Actor,
		orderID: cmd.OrderID,
		apply: func(order *Order, now time.Time) repositories.OrderUpdate {
			engagement, _ := order.Engagement()
			delivery, _ := order.LatestDelivery()
			order.Stage = domain.PaidStage{Engagement: engagement, Delivery: delivery, PaidAt: now, PaymentRef: cmd.PaymentRef}
			return repositories.OrderUpdate{}
		},
		history: constMessage("Payment received"),
		narrate: constNote("Payment received. The customer can now complete the order."),
		notify: func(order Order) []notificationDraft {
			director, _ := order.AssignedDirector()
			meta := map[string]any{"orderId": order.ID}
			if cmd.PaymentRef != "" {
				meta["paymentRef"] = cmd.PaymentRef
			}
			return []notificationDraft{
				{UserID: director, Type: domain.NotificationPayment, Title: "Payment received", Message: fmt.Sprintf("Payment for %q was received.", order.Title), Link: orderLink(order.ID), Metadata: meta},
				{UserID: order.CustomerID, Type: domain.NotificationPayment, Title: "Payment confirmed", Message: fmt.Sprintf("Your payment for %q was confirmed.", order.Title), Link: orderLink(order.ID), Metadata: meta},
			}
		},
	})
}

func (s *orderService) Complete(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	return s.execute(ctx, transitionCommand{
		op:      opComplete,
		actor:   cmd.Actor,
		orderID: cmd.OrderID,
		owns:    OwnsOrder,
		apply: func(order *Order, now time.Time) repositories.OrderUpdate {
			paid := order.Stage.(domain.PaidStage)
			order.Stage = domain.CompletedStage{Engagement: paid.Engagement, Delivery: paid.Delivery, PaidAt: paid.PaidAt, CompletedAt: now}
			return repositories.OrderUpdate{}
		},
		history: constMessage("Order completed"),
		narrate: constNote("Order completed. The track is available in downloads."),
		provision: func(ctx context.Context, order Order, now time.Time) error {
			director, ok := order.AssignedDirector()
			if !ok {
				return fmt.Errorf("order: completed order %s has no director", order.ID)
			}
			offer, _ := order.Offer()
			if err := s.directors.IncrementStats(ctx, director, 1, offer.Price, now); err != nil {
				return s.errs.mapError(err)
			}
			musicURL, ok := order.FinalMusicURL()
			if !ok {
				return nil
			}
			if err := s.downloads.Insert(ctx, Download{
				ID:         downloadPrefix + s.newID(),
				CustomerID: order.CustomerID,
				OrderID:    order.ID,
				MusicURL:   musicURL,
				CreatedAt:  now,
			}); err != nil {
				return s.errs.mapError(err)
			}
			return nil
		},
		notify: notifyDirector(domain.NotificationCompletion, "Order completed", func(order Order) string {
			return fmt.Sprintf("%q was completed. Thank you!", order.Title)
		}),
	})
}

func (s *orderService) CancelOnRefund(ctx context.Context, cmd PaymentTransitionCommand) (Order, error) {
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = "refunded"
	}
	return s.execute(ctx, transitionCommand{
		op:      opCancelOnRefund,
		actor:   cmd.Actor,
		orderID: cmd.OrderID,
		apply: func(order *Order, now time.Time) repositories.OrderUpdate {
			stage := domain.CancelledStage{CancelledAt: now, Reason: reason}
			if e, ok := order.Engagement(); ok {
				stage.Engagement = &e
			}
			if d, ok := order.LatestDelivery(); ok {
				stage.Delivery = &d
			}
			order.Stage = stage
			return repositories.OrderUpdate{}
		},
		history: func(Order) string { return "Order cancelled after refund: " + reason },
		narrate: constNote("The payment was refunded and the order was cancelled."),
		notify: func(order Order) []notificationDraft {
			director, _ := order.AssignedDirector()
			meta := map[string]any{"orderId": order.ID, "reason": reason}
			return []notificationDraft{
				{UserID: order.CustomerID, Type: domain.NotificationPayment, Title: "Order cancelled", Message: fmt.Sprintf("%q was cancelled after a refund.", order.Title), Link: orderLink(order.ID), Metadata: meta},
				{UserID: director, Type: domain.NotificationPayment, Title: "Order cancelled", Message: fmt.Sprintf("%q was cancelled after a refund.", order.Title), Link: orderLink(order.ID), Metadata: meta},
			}
		},
	})
}

func constMessage(message string) func(Order) string {
	return func(Order) string { return message }
}

func constNote(content string) func(Order) chatNote {
	return func(Order) chatNote { return chatNote{Content: content} }
}

func notifyCustomer(kind NotificationType, title string, message func(Order) string) func(Order) []notificationDraft {
	return func(order Order) []notificationDraft {
		return []notificationDraft{{
			UserID:   order.CustomerID,
			Type:     kind,
			Title:    title,
			Message:  message(order),
			Link:     orderLink(order.ID),
			Metadata: map[string]any{"orderId": order.ID},
		}}
	}
}

func notifyDirector(kind NotificationType, title string, message func(Order) string) func(Order) []notificationDraft {
	return func(order Order) []notificationDraft {
		director, _ := order.AssignedDirector()
		return []notificationDraft{{
			UserID:   director,
			Type:     kind,
			Title:    title,
			Message:  message(order),
			Link:     orderLink(order.ID),
			Metadata: map[string]any{"orderId": order.ID},
		}}
	}
}

// formatMoney renders minor units in the platform currency.
func formatMoney(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}
