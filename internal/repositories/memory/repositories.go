package memory

import (
	"context"
	"sort"
	"time"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/repositories"
)

type userRepo struct{ s *Store }

func (r userRepo) Insert(ctx context.Context, user domain.User) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.state.users[user.ID]; ok {
		return conflict("users.insert", "user", user.ID)
	}
	r.s.state.users[user.ID] = user
	return nil
}

func (r userRepo) FindByID(ctx context.Context, userID string) (domain.User, error) {
	defer r.s.lock(ctx)()
	user, ok := r.s.state.users[userID]
	if !ok {
		return domain.User{}, notFound("users.find", "user", userID)
	}
	return user, nil
}

type customerRepo struct{ s *Store }

func (r customerRepo) Insert(ctx context.Context, profile domain.CustomerProfile) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.state.customers[profile.UserID]; ok {
		return conflict("customers.insert", "customer", profile.UserID)
	}
	r.s.state.customers[profile.UserID] = profile
	return nil
}

func (r customerRepo) FindByID(ctx context.Context, userID string) (domain.CustomerProfile, error) {
	defer r.s.lock(ctx)()
	profile, ok := r.s.state.customers[userID]
	if !ok {
		return domain.CustomerProfile{}, notFound("customers.find", "customer", userID)
	}
	return profile, nil
}

type directorRepo struct{ s *Store }

func (r directorRepo) Insert(ctx context.Context, profile domain.DirectorProfile) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.state.directors[profile.UserID]; ok {
		return conflict("directors.insert", "director", profile.UserID)
	}
	profile.Badges = append([]string(nil), profile.Badges...)
	profile.Genres = append([]string(nil), profile.Genres...)
	r.s.state.directors[profile.UserID] = profile
	return nil
}

func (r directorRepo) FindByID(ctx context.Context, userID string) (domain.DirectorProfile, error) {
	defer r.s.lock(ctx)()
	profile, ok := r.s.state.directors[userID]
	if !ok {
		return domain.DirectorProfile{}, notFound("directors.find", "director", userID)
	}
	profile.Badges = append([]string(nil), profile.Badges...)
	profile.Genres = append([]string(nil), profile.Genres...)
	return profile, nil
}

func (r directorRepo) IncrementStats(ctx context.Context, directorID string, projects int64, earnings int64, at time.Time) error {
	defer r.s.lock(ctx)()
	profile, ok := r.s.state.directors[directorID]
	if !ok {
		return notFound("directors.increment", "director", directorID)
	}
	profile.TotalProjects += projects
	profile.TotalEarnings += earnings
	profile.UpdatedAt = at
	r.s.state.directors[directorID] = profile
	return nil
}

func (r directorRepo) SetVerification(ctx context.Context, directorID string, verified bool, badge string, at time.Time) error {
	defer r.s.lock(ctx)()
	profile, ok := r.s.state.directors[directorID]
	if !ok {
		return notFound("directors.verify", "director", directorID)
	}
	profile.IsVerified = verified
	if badge != "" && !profile.HasBadge(badge) {
		profile.Badges = append(append([]string(nil), profile.Badges...), badge)
	}
	profile.UpdatedAt = at
	r.s.state.directors[directorID] = profile
	return nil
}

type orderRepo struct{ s *Store }

func (r orderRepo) Insert(ctx context.Context, order domain.Order) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.state.orders[order.ID]; ok {
		return conflict("orders.insert", "order", order.ID)
	}
	r.s.state.orders[order.ID] = order
	return nil
}

func (r orderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	defer r.s.lock(ctx)()
	order, ok := r.s.state.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.find", "order", orderID)
	}
	return order, nil
}

func (r orderRepo) Update(ctx context.Context, order domain.Order, update repositories.OrderUpdate) error {
	defer r.s.lock(ctx)()
	current, ok := r.s.state.orders[order.ID]
	if !ok {
		return notFound("orders.update", "order", order.ID)
	}
	order.UsedRevisions = current.UsedRevisions + update.IncrementUsedRevisions
	r.s.state.orders[order.ID] = order
	return nil
}

func (r orderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	defer r.s.lock(ctx)()
	statuses := make(map[domain.OrderStatus]struct{}, len(filter.Status))
	for _, status := range filter.Status {
		statuses[status] = struct{}{}
	}
	matched := make([]domain.Order, 0)
	for _, order := range r.s.state.orders {
		if filter.CustomerID != "" && order.CustomerID != filter.CustomerID {
			continue
		}
		if filter.DirectorID != "" {
			if id, ok := order.AssignedDirector(); !ok || id != filter.DirectorID {
				continue
			}
		}
		if len(statuses) > 0 {
			if _, ok := statuses[order.Status()]; !ok {
				continue
			}
		}
		matched = append(matched, order)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, filter.Pagination), nil
}

type historyRepo struct{ s *Store }

func (r historyRepo) Append(ctx context.Context, entry domain.OrderHistory) error {
	defer r.s.lock(ctx)()
	r.s.state.history = append(r.s.state.history, entry)
	return nil
}

func (r historyRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderHistory, error) {
	defer r.s.lock(ctx)()
	out := make([]domain.OrderHistory, 0)
	for _, entry := range r.s.state.history {
		if entry.OrderID == orderID {
			out = append(out, entry)
		}
	}
	return out, nil
}

type chatRepo struct{ s *Store }

func (r chatRepo) Insert(ctx context.Context, chat domain.Chat) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.state.chats[chat.ID]; ok {
		return conflict("chats.insert", "chat", chat.ID)
	}
	for _, existing := range r.s.state.chats {
		if existing.OrderID == chat.OrderID {
			return conflict("chats.insert", "chat for order", chat.OrderID)
		}
	}
	chat.ParticipantIDs = append([]string(nil), chat.ParticipantIDs...)
	r.s.state.chats[chat.ID] = chat
	return nil
}

func (r chatRepo) FindByID(ctx context.Context, chatID string) (domain.Chat, error) {
	defer r.s.lock(ctx)()
	chat, ok := r.s.state.chats[chatID]
	if !ok {
		return domain.Chat{}, notFound("chats.find", "chat", chatID)
	}
	return chat, nil
}

func (r chatRepo) FindByOrder(ctx context.Context, orderID string) (domain.Chat, error) {
	defer r.s.lock(ctx)()
	for _, chat := range r.s.state.chats {
		if chat.OrderID == orderID {
			return chat, nil
		}
	}
	return domain.Chat{}, notFound("chats.find_by_order", "chat for order", orderID)
}

func (r chatRepo) List(ctx context.Context, filter repositories.ChatListFilter) (domain.Page[domain.Chat], error) {
	defer r.s.lock(ctx)()
	matched := make([]domain.Chat, 0)
	for _, chat := range r.s.state.chats {
		if filter.ParticipantID != "" && !chat.HasParticipant(filter.ParticipantID) {
			continue
		}
		matched = append(matched, chat)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	return paginate(matched, filter.Pagination), nil
}

func (r chatRepo) AppendMessage(ctx context.Context, message domain.ChatMessage) error {
	defer r.s.lock(ctx)()
	chat, ok := r.s.state.chats[message.ChatID]
	if !ok {
		return notFound("chats.append_message", "chat", message.ChatID)
	}
	r.s.state.messages[message.ChatID] = append(r.s.state.messages[message.ChatID], message)
	preview := message.Preview()
	chat.LastMessage = &preview
	chat.UpdatedAt = message.CreatedAt
	r.s.state.chats[chat.ID] = chat
	return nil
}

func (r chatRepo) ListMessages(ctx context.Context, chatID string, afterID string) ([]domain.ChatMessage, error) {
	defer r.s.lock(ctx)()
	if _, ok := r.s.state.chats[chatID]; !ok {
		return nil, notFound("chats.list_messages", "chat", chatID)
	}
	messages := r.s.state.messages[chatID]
	start := 0
	if afterID != "" {
		for i, msg := range messages {
			if msg.ID == afterID {
				start = i + 1
				break
			}
		}
	}
	return append([]domain.ChatMessage{}, messages[start:]...), nil
}

type notificationRepo struct{ s *Store }

func (r notificationRepo) Insert(ctx context.Context, notification domain.Notification) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.state.notifications[notification.ID]; ok {
		return conflict("notifications.insert", "notification", notification.ID)
	}
	r.s.state.notifications[notification.ID] = notification
	return nil
}

func (r notificationRepo) FindByID(ctx context.Context, notificationID string) (domain.Notification, error) {
	defer r.s.lock(ctx)()
	notification, ok := r.s.state.notifications[notificationID]
	if !ok {
		return domain.Notification{}, notFound("notifications.find", "notification", notificationID)
	}
	return notification, nil
}

func (r notificationRepo) List(ctx context.Context, filter repositories.NotificationListFilter) (domain.Page[domain.Notification], error) {
	defer r.s.lock(ctx)()
	matched := make([]domain.Notification, 0)
	for _, n := range r.s.state.notifications {
		if n.UserID != filter.UserID {
			continue
		}
		if filter.UnreadOnly && n.IsRead {
			continue
		}
		matched = append(matched, n)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, filter.Pagination), nil
}

func (r notificationRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	defer r.s.lock(ctx)()
	count := 0
	for _, n := range r.s.state.notifications {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (r notificationRepo) MarkRead(ctx context.Context, notificationID string, at time.Time) (domain.Notification, error) {
	defer r.s.lock(ctx)()
	n, ok := r.s.state.notifications[notificationID]
	if !ok {
		return domain.Notification{}, notFound("notifications.mark_read", "notification", notificationID)
	}
	if n.IsRead {
		return n, nil
	}
	n.IsRead = true
	readAt := at
	n.ReadAt = &readAt
	r.s.state.notifications[notificationID] = n
	return n, nil
}

func (r notificationRepo) MarkAllRead(ctx context.Context, userID string, at time.Time) (int, error) {
	defer r.s.lock(ctx)()
	count := 0
	for id, n := range r.s.state.notifications {
		if n.UserID != userID || n.IsRead {
			continue
		}
		n.IsRead = true
		readAt := at
		n.ReadAt = &readAt
		r.s.state.notifications[id] = n
		count++
	}
	return count, nil
}

type cartRepo struct{ s *Store }

func (r cartRepo) Insert(ctx context.Context, item domain.CartItem) error {
	defer r.s.lock(ctx)()
	r.s.state.cart = append(r.s.state.cart, item)
	return nil
}

func (r cartRepo) ListByCustomer(ctx context.Context, customerID string) ([]domain.CartItem, error) {
	defer r.s.lock(ctx)()
	out := make([]domain.CartItem, 0)
	for _, item := range r.s.state.cart {
		if item.CustomerID == customerID {
			out = append(out, item)
		}
	}
	return out, nil
}

type downloadRepo struct{ s *Store }

func (r downloadRepo) Insert(ctx context.Context, download domain.Download) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.state.downloads[download.ID]; ok {
		return conflict("downloads.insert", "download", download.ID)
	}
	r.s.state.downloads[download.ID] = download
	return nil
}

func (r downloadRepo) FindByID(ctx context.Context, downloadID string) (domain.Download, error) {
	defer r.s.lock(ctx)()
	download, ok := r.s.state.downloads[downloadID]
	if !ok {
		return domain.Download{}, notFound("downloads.find", "download", downloadID)
	}
	return download, nil
}

func (r downloadRepo) ListByCustomer(ctx context.Context, customerID string) ([]domain.Download, error) {
	defer r.s.lock(ctx)()
	out := make([]domain.Download, 0)
	for _, d := range r.s.state.downloads {
		if d.CustomerID == customerID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type musicRepo struct{ s *Store }

func (r musicRepo) Insert(ctx context.Context, music domain.Music) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.state.music[music.ID]; ok {
		return conflict("music.insert", "music", music.ID)
	}
	r.s.state.music[music.ID] = music
	return nil
}

func (r musicRepo) FindByID(ctx context.Context, musicID string) (domain.Music, error) {
	defer r.s.lock(ctx)()
	music, ok := r.s.state.music[musicID]
	if !ok {
		return domain.Music{}, notFound("music.find", "music", musicID)
	}
	return music, nil
}

func (r musicRepo) UpdateStatus(ctx context.Context, musicID string, status domain.MusicStatus, at time.Time) error {
	defer r.s.lock(ctx)()
	music, ok := r.s.state.music[musicID]
	if !ok {
		return notFound("music.update_status", "music", musicID)
	}
	music.Status = status
	music.UpdatedAt = at
	r.s.state.music[musicID] = music
	return nil
}

type moderationRepo struct{ s *Store }

func (r moderationRepo) InsertVerification(ctx context.Context, v domain.DirectorVerification) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.state.verifications[v.ID]; ok {
		return conflict("verifications.insert", "verification", v.ID)
	}
	r.s.state.verifications[v.ID] = v
	return nil
}

func (r moderationRepo) FindVerification(ctx context.Context, id string) (domain.DirectorVerification, error) {
	defer r.s.lock(ctx)()
	v, ok := r.s.state.verifications[id]
	if !ok {
		return domain.DirectorVerification{}, notFound("verifications.find", "verification", id)
	}
	return v, nil
}

func (r moderationRepo) UpdateVerification(ctx context.Context, v domain.DirectorVerification) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.state.verifications[v.ID]; !ok {
		return notFound("verifications.update", "verification", v.ID)
	}
	r.s.state.verifications[v.ID] = v
	return nil
}

func (r moderationRepo) ListVerifications(ctx context.Context, filter repositories.ModerationListFilter) (domain.Page[domain.DirectorVerification], error) {
	defer r.s.lock(ctx)()
	matched := make([]domain.DirectorVerification, 0)
	for _, v := range r.s.state.verifications {
		if filter.Status != nil && v.Status != *filter.Status {
			continue
		}
		matched = append(matched, v)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	return paginate(matched, filter.Pagination), nil
}

func (r moderationRepo) InsertMusicApproval(ctx context.Context, a domain.MusicApproval) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.state.approvals[a.ID]; ok {
		return conflict("music_approvals.insert", "music approval", a.ID)
	}
	r.s.state.approvals[a.ID] = a
	return nil
}

func (r moderationRepo) FindMusicApproval(ctx context.Context, id string) (domain.MusicApproval, error) {
	defer r.s.lock(ctx)()
	a, ok := r.s.state.approvals[id]
	if !ok {
		return domain.MusicApproval{}, notFound("music_approvals.find", "music approval", id)
	}
	return a, nil
}

func (r moderationRepo) UpdateMusicApproval(ctx context.Context, a domain.MusicApproval) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.state.approvals[a.ID]; !ok {
		return notFound("music_approvals.update", "music approval", a.ID)
	}
	r.s.state.approvals[a.ID] = a
	return nil
}

func (r moderationRepo) ListMusicApprovals(ctx context.Context, filter repositories.ModerationListFilter) (domain.Page[domain.MusicApproval], error) {
	defer r.s.lock(ctx)()
	matched := make([]domain.MusicApproval, 0)
	for _, a := range r.s.state.approvals {
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	return paginate(matched, filter.Pagination), nil
}
