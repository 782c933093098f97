// Command emitter publishes sample envelopes to the pipeline's transport.
// It can replay envelopes and inject poison messages to exercise the
// dedup ledger and the poison-message policy.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/Priya8975/event-pipeline/internal/engine"
	"github.com/Priya8975/event-pipeline/internal/transport"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

var users = []string{"alice", "bob", "carol", "dave", "erin"}

func main() {
	var (
		kind        = flag.String("transport", "kafka", "kafka or jetstream")
		brokers     = flag.String("brokers", "localhost:9092", "comma separated kafka brokers")
		topic       = flag.String("topic", "pipeline-events", "kafka topic")
		natsURL     = flag.String("nats-url", "nats://127.0.0.1:4222", "nats server url")
		stream      = flag.String("stream", "PIPELINE", "jetstream stream")
		subject     = flag.String("subject", "pipeline.events", "jetstream subject prefix")
		partitions  = flag.Int("partitions", 4, "jetstream partitions")
		count       = flag.Int("count", 100, "envelopes to publish")
		interval    = flag.Duration("interval", 50*time.Millisecond, "delay between envelopes")
		replayEvery = flag.Int("replay-every", 10, "republish every nth envelope, 0 disables")
		poisonEvery = flag.Int("poison-every", 0, "publish a malformed envelope every nth message, 0 disables")
		apiURL      = flag.String("api", "", "pipeline base url, when set the sample users are provisioned first")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *apiURL != "" {
		if err := provisionUsers(ctx, *apiURL); err != nil {
			logger.Error("failed to provision users", "error", err)
			os.Exit(1)
		}
		logger.Info("provisioned users", "count", len(users))
	}

	var pub transport.Publisher
	switch *kind {
	case "jetstream":
		p, err := transport.NewJetStreamPublisher(ctx, transport.JetStreamConfig{
			URL:        *natsURL,
			Stream:     *stream,
			Subject:    *subject,
			Partitions: *partitions,
		})
		if err != nil {
			logger.Error("failed to create publisher", "error", err)
			os.Exit(1)
		}
		pub = p
	case "kafka":
		pub = transport.NewKafkaPublisher(transport.KafkaConfig{
			Brokers: strings.Split(*brokers, ","),
			Topic:   *topic,
		})
	default:
		logger.Error("unknown transport", "transport", *kind)
		os.Exit(1)
	}
	defer pub.Close()

	var published, replayed, poisoned int
	for i := 1; i <= *count; i++ {
		if ctx.Err() != nil {
			break
		}

		if *poisonEvery > 0 && i%*poisonEvery == 0 {
			raw := []byte(fmt.Sprintf(`{"event_id":"%s","event_type":"user.exploded"}`, uuid.NewString()))
			if err := pub.Publish(ctx, []byte("poison"), raw); err != nil {
				logger.Error("failed to publish poison message", "error", err)
			}
			poisoned++
			continue
		}

		env, key := sample(i)
		raw, err := engine.Encode(env)
		if err != nil {
			logger.Error("failed to encode envelope", "error", err)
			continue
		}

		if err := pub.Publish(ctx, []byte(key), raw); err != nil {
			logger.Error("failed to publish envelope", "error", err, "event_id", env.EventID)
			continue
		}
		published++

		if *replayEvery > 0 && i%*replayEvery == 0 {
			if err := pub.Publish(ctx, []byte(key), raw); err == nil {
				replayed++
			}
		}

		select {
		case <-ctx.Done():
		case <-time.After(*interval):
		}
	}

	logger.Info("emitter finished",
		"published", published,
		"replayed", replayed,
		"poisoned", poisoned,
	)
}

// provisionUsers creates the sample users through the pipeline API so follow
// and role events reference existing users.
func provisionUsers(ctx context.Context, baseURL string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	endpoint := strings.TrimRight(baseURL, "/") + "/api/v1/users"

	for _, id := range users {
		body, err := json.Marshal(map[string]string{"user_id": id})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("creating user %s: %w", id, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("creating user %s: unexpected status %d", id, resp.StatusCode)
		}
	}
	return nil
}

// sample builds the i-th envelope and its affinity key, cycling through
// every event type.
func sample(i int) (domain.Envelope, string) {
	types := domain.EventTypes()
	t := types[i%len(types)]
	a, b := pair()

	var payload any
	key := a
	switch t {
	case domain.EventUserFollowed, domain.EventUserUnfollowed:
		payload = engine.FollowPayload{FollowerID: a, FolloweeID: b}
		key = b
	case domain.EventRoleChanged:
		roles := []string{"listener", "artist", "curator"}
		payload = engine.RoleChangedPayload{UserID: a, Role: roles[rand.IntN(len(roles))], ChangedBy: "emitter"}
	case domain.EventReviewPosted:
		payload = engine.ReviewPostedPayload{
			ReviewID:  uuid.NewString(),
			ContentID: "album-" + b,
			AuthorID:  a,
			OwnerID:   b,
			Rating:    1 + rand.IntN(5),
		}
		key = "album-" + b
	case domain.EventMessageSent:
		payload = engine.MessageSentPayload{
			ConversationID: "conv-" + a + "-" + b,
			MessageID:      uuid.NewString(),
			SenderID:       a,
			ParticipantIDs: []string{a, b},
			Preview:        "hey",
		}
		key = "conv-" + a + "-" + b
	case domain.EventPlaylistUpdated:
		payload = engine.PlaylistUpdatedPayload{
			PlaylistID:  "playlist-" + a,
			OwnerID:     a,
			FollowerIDs: []string{b},
			Change:      "tracks_added",
		}
		key = "playlist-" + a
	}

	data, _ := json.Marshal(payload)
	return domain.Envelope{
		EventID:    uuid.NewString(),
		EventType:  t,
		Payload:    data,
		OccurredAt: time.Now().UTC(),
	}, key
}

func pair() (string, string) {
	i := rand.IntN(len(users))
	j := (i + 1 + rand.IntN(len(users)-1)) % len(users)
	return users[i], users[j]
}
