package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
	"github.com/clippy-oss/homie/craftworks-chat/internal/logger"
	"github.com/clippy-oss/homie/craftworks-chat/internal/repository"
)

// seed-dummy-db fills a local mirror database with craftworks conversations
// so the bridge has something to show while the backend is unreachable.
//
//	seed-dummy-db [db path] [user id]
func main() {
	logger.InitWriter(os.Stderr, "info", true)
	log := logger.Module("seed")

	dbPath := "dummy_chat.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	self := domain.UserSummary{ID: "client-1", FullName: "Amira Haddad", Role: domain.RoleClient}
	if len(os.Args) > 2 {
		self.ID = os.Args[2]
	}

	db, err := repository.Open(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	if err := seed(context.Background(), repository.NewMessageRepository(db), repository.NewChatRepository(db), self); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed database")
	}

	log.Info().Str("database", dbPath).Str("user", self.ID).Msg("Seeded conversations")
}

var craftsmen = []domain.UserSummary{
	{ID: "craft-1", FullName: "Omar Benali", Role: domain.RoleCraftsman},
	{ID: "craft-2", FullName: "Yusuf Kaya", Role: domain.RoleCraftsman},
	{ID: "craft-3", FullName: "Lina Moreau", Role: domain.RoleCraftsman},
	{ID: "craft-4", FullName: "Karim Saidi", Role: domain.RoleCraftsman},
	{ID: "craft-5", FullName: "Nadia Rahman", Role: domain.RoleCraftsman},
	{ID: "craft-6", FullName: "Tomas Novak", Role: domain.RoleCraftsman},
}

var clientLines = []string{
	"Hi, are you available for a bathroom renovation?",
	"Could you send me a quote?",
	"Does Monday morning work for you?",
	"The tiles arrived today",
	"How long will the job take?",
	"Thanks, see you then!",
	"Can you bring the extra grout?",
	"The leak is under the kitchen sink",
}

var craftsmanLines = []string{
	"Yes, I can come by this week",
	"The quote is attached, materials included",
	"Monday at 9 works for me",
	"I will need about two days",
	"Please clear the area before I arrive",
	"All done, let me know if anything else comes up",
	"I am on my way",
	"Could you send a picture of the damage?",
}

func seed(ctx context.Context, msgRepo repository.MessageRepository, chatRepo repository.ChatRepository, self domain.UserSummary) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	now := time.Now()

	for i, peer := range craftsmen {
		chat := domain.NewChat(fmt.Sprintf("chat-%d", i+1), self, peer)

		// regenerate messages but keep the conversation row
		if err := msgRepo.DeleteByChatID(ctx, chat.ID); err != nil {
			return fmt.Errorf("failed to clear chat %s: %w", chat.ID, err)
		}
		if err := chatRepo.Upsert(ctx, chat); err != nil {
			return fmt.Errorf("failed to create chat %s: %w", chat.ID, err)
		}

		numMessages := 6 + rng.Intn(8)
		// the last few messages from the craftsman stay unread
		unreadTail := rng.Intn(4)
		messageTime := now.Add(-time.Duration(1+rng.Intn(3)) * 24 * time.Hour)

		var last domain.Message
		unread := 0
		for j := 0; j < numMessages; j++ {
			if j > 0 {
				messageTime = messageTime.Add(time.Duration(5+rng.Intn(55)) * time.Minute)
				if messageTime.After(now) {
					messageTime = now.Add(-time.Duration(numMessages-j) * time.Minute)
				}
			}

			fromPeer := rng.Float32() < 0.55 || j >= numMessages-unreadTail
			sender, lines := self, clientLines
			if fromPeer {
				sender, lines = peer, craftsmanLines
			}

			msg := domain.Message{
				ID:        uuid.NewString(),
				ChatID:    chat.ID,
				Sender:    sender,
				Content:   lines[rng.Intn(len(lines))],
				Kind:      domain.MessageKindText,
				CreatedAt: messageTime,
				Status:    domain.StatusDelivered,
			}
			if rng.Float32() < 0.1 {
				msg.Kind = domain.MessageKindImage
				msg.Content = fmt.Sprintf("https://cdn.example.com/uploads/%s.jpg", msg.ID)
			}

			if fromPeer && j >= numMessages-unreadTail {
				unread++
			} else {
				msg = msg.WithReader(self.ID).WithReader(peer.ID)
			}

			if err := msgRepo.CreateOrIgnore(ctx, &msg); err != nil {
				return fmt.Errorf("failed to create message: %w", err)
			}
			last = msg
		}

		if err := chatRepo.UpdateLastMessage(ctx, chat.ID, last.Preview(), last.Sender.ID, last.CreatedAt); err != nil {
			return fmt.Errorf("failed to update chat %s: %w", chat.ID, err)
		}
		if err := chatRepo.UpdateUnreadCounts(ctx, chat.ID, map[string]int{self.ID: unread, peer.ID: 0}); err != nil {
			return fmt.Errorf("failed to update chat %s: %w", chat.ID, err)
		}

		fmt.Printf("Created chat %s with %s: %d messages, %d unread\n", chat.ID, peer.FullName, numMessages, unread)
	}

	return nil
}
