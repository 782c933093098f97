package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
)

// Notification names shown to clients.
const (
	NotifyNewFollower     = "new_follower"
	NotifyRoleChanged     = "role_changed"
	NotifyNewReview       = "new_review"
	NotifyNewMessage      = "new_message"
	NotifyPlaylistUpdated = "playlist_updated"
)

type FollowPayload struct {
	FollowerID string `json:"follower_id" validate:"required"`
	FolloweeID string `json:"followee_id" validate:"required,nefield=FollowerID"`
}

type RoleChangedPayload struct {
	UserID    string `json:"user_id" validate:"required"`
	Role      string `json:"role" validate:"required,oneof=listener artist curator admin"`
	ChangedBy string `json:"changed_by"`
}

type ReviewPostedPayload struct {
	ReviewID  string `json:"review_id" validate:"required"`
	ContentID string `json:"content_id" validate:"required"`
	AuthorID  string `json:"author_id" validate:"required"`
	OwnerID   string `json:"owner_id" validate:"required"`
	Rating    int    `json:"rating" validate:"min=1,max=5"`
}

type MessageSentPayload struct {
	ConversationID string   `json:"conversation_id" validate:"required"`
	MessageID      string   `json:"message_id" validate:"required"`
	SenderID       string   `json:"sender_id" validate:"required"`
	ParticipantIDs []string `json:"participant_ids" validate:"min=2,dive,required"`
	Preview        string   `json:"preview" validate:"max=280"`
}

type PlaylistUpdatedPayload struct {
	PlaylistID  string   `json:"playlist_id" validate:"required"`
	OwnerID     string   `json:"owner_id" validate:"required"`
	FollowerIDs []string `json:"follower_ids" validate:"dive,required"`
	Change      string   `json:"change" validate:"required,oneof=tracks_added tracks_removed renamed reordered"`
}

// DefaultAppliers returns the applier for every event type.
func DefaultAppliers() map[domain.EventType]Applier {
	return map[domain.EventType]Applier{
		domain.EventUserFollowed:    Handle(applyFollow),
		domain.EventUserUnfollowed:  Handle(applyUnfollow),
		domain.EventRoleChanged:     Handle(applyRoleChanged),
		domain.EventReviewPosted:    Handle(applyReviewPosted),
		domain.EventMessageSent:     Handle(applyMessageSent),
		domain.EventPlaylistUpdated: Handle(applyPlaylistUpdated),
	}
}

func applyFollow(ctx context.Context, m domain.StateMutator, env domain.Envelope, p FollowPayload) ([]domain.NotificationMessage, error) {
	followers, err := m.AdjustFollowerCount(ctx, p.FolloweeID, 1)
	if err != nil {
		return nil, classify(err, "incrementing followers of %s", p.FolloweeID)
	}
	if _, err := m.AdjustFollowingCount(ctx, p.FollowerID, 1); err != nil {
		return nil, classify(err, "incrementing following of %s", p.FollowerID)
	}

	return []domain.NotificationMessage{
		notification(env, p.FolloweeID, NotifyNewFollower, map[string]any{
			"followerId":    p.FollowerID,
			"followerCount": followers,
		}),
	}, nil
}

func applyUnfollow(ctx context.Context, m domain.StateMutator, env domain.Envelope, p FollowPayload) ([]domain.NotificationMessage, error) {
	if _, err := m.AdjustFollowerCount(ctx, p.FolloweeID, -1); err != nil {
		return nil, classify(err, "decrementing followers of %s", p.FolloweeID)
	}
	if _, err := m.AdjustFollowingCount(ctx, p.FollowerID, -1); err != nil {
		return nil, classify(err, "decrementing following of %s", p.FollowerID)
	}
	return nil, nil
}

func applyRoleChanged(ctx context.Context, m domain.StateMutator, env domain.Envelope, p RoleChangedPayload) ([]domain.NotificationMessage, error) {
	changed, err := m.SetRole(ctx, p.UserID, p.Role)
	if err != nil {
		return nil, classify(err, "setting role of %s", p.UserID)
	}
	if !changed {
		return nil, nil
	}

	return []domain.NotificationMessage{
		notification(env, p.UserID, NotifyRoleChanged, map[string]any{
			"role":      p.Role,
			"changedBy": p.ChangedBy,
		}),
	}, nil
}

func applyReviewPosted(ctx context.Context, m domain.StateMutator, env domain.Envelope, p ReviewPostedPayload) ([]domain.NotificationMessage, error) {
	count, err := m.RecordReview(ctx, p.ContentID, p.Rating)
	if err != nil {
		return nil, classify(err, "recording review on %s", p.ContentID)
	}
	if p.OwnerID == p.AuthorID {
		return nil, nil
	}

	return []domain.NotificationMessage{
		notification(env, p.OwnerID, NotifyNewReview, map[string]any{
			"reviewId":    p.ReviewID,
			"contentId":   p.ContentID,
			"authorId":    p.AuthorID,
			"rating":      p.Rating,
			"reviewCount": count,
		}),
	}, nil
}

func applyMessageSent(ctx context.Context, m domain.StateMutator, env domain.Envelope, p MessageSentPayload) ([]domain.NotificationMessage, error) {
	if err := m.TouchConversation(ctx, p.ConversationID, env.OccurredAt); err != nil {
		return nil, classify(err, "touching conversation %s", p.ConversationID)
	}

	msgs := make([]domain.NotificationMessage, 0, len(p.ParticipantIDs))
	seen := make(map[string]struct{}, len(p.ParticipantIDs))
	for _, id := range p.ParticipantIDs {
		if id == p.SenderID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		msgs = append(msgs, notification(env, id, NotifyNewMessage, map[string]any{
			"conversationId": p.ConversationID,
			"messageId":      p.MessageID,
			"senderId":       p.SenderID,
			"preview":        p.Preview,
		}))
	}
	return msgs, nil
}

func applyPlaylistUpdated(ctx context.Context, m domain.StateMutator, env domain.Envelope, p PlaylistUpdatedPayload) ([]domain.NotificationMessage, error) {
	if err := m.TouchPlaylist(ctx, p.PlaylistID, env.OccurredAt); err != nil {
		return nil, classify(err, "touching playlist %s", p.PlaylistID)
	}

	msgs := make([]domain.NotificationMessage, 0, len(p.FollowerIDs))
	for _, id := range p.FollowerIDs {
		if id == p.OwnerID {
			continue
		}
		msgs = append(msgs, notification(env, id, NotifyPlaylistUpdated, map[string]any{
			"playlistId": p.PlaylistID,
			"ownerId":    p.OwnerID,
			"change":     p.Change,
		}))
	}
	return msgs, nil
}

func notification(env domain.Envelope, receiverID, name string, data any) domain.NotificationMessage {
	return domain.NotificationMessage{
		EventID:    env.EventID,
		ReceiverID: receiverID,
		EventName:  name,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}
}

// classify maps a mutation error onto the failure taxonomy. A missing
// aggregate can never be fixed by retrying, anything else might be.
func classify(err error, format string, args ...any) error {
	wrapped := fmt.Errorf(format+": %w", append(args, err)...)
	if errors.Is(err, domain.ErrNotFound) {
		return Permanent(wrapped)
	}
	var te *TransientError
	var pe *PermanentError
	if errors.As(err, &te) || errors.As(err, &pe) {
		return wrapped
	}
	return Transient(wrapped)
}
