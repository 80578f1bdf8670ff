package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"roomchat/internal/models"
	"roomchat/internal/realtime"
	"roomchat/internal/store"
	"roomchat/internal/utils"

	"go.uber.org/zap"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNameTaken    = errors.New("name already in use in this room")
	ErrInvalidName  = models.ErrInvalidName
)

// generatedNameAttempts bounds retries when a generated name collides with
// someone online.
const generatedNameAttempts = 5

// PresenceSource exposes who is online on a topic. *realtime.Hub
// satisfies it.
type PresenceSource interface {
	Presence(topic string) map[string]json.RawMessage
}

type RoomService struct {
	store    store.Store
	presence PresenceSource
	tokens   *TokenService
	log      *zap.Logger
}

func NewRoomService(st store.Store, presence PresenceSource, tokens *TokenService, log *zap.Logger) *RoomService {
	return &RoomService{store: st, presence: presence, tokens: tokens, log: utils.OrNop(log)}
}

func (s *RoomService) Create(ctx context.Context) (string, error) {
	code, err := store.CreateRoomWithRetry(ctx, s.store)
	if err != nil {
		return "", err
	}
	s.log.Info("room_created", zap.String("room", code))
	return code, nil
}

func (s *RoomService) Get(ctx context.Context, code string) (*models.Room, error) {
	code, err := store.NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	room, err := s.store.Room(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	return room, err
}

// Join admits a participant and issues their token. An empty name gets a
// generated one. Names are unique among participants currently online in
// the room, compared case-insensitively.
func (s *RoomService) Join(ctx context.Context, code, name string) (*models.JoinRoomResponse, error) {
	code, err := store.NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.RoomExists(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("check room: %w", err)
	}
	if !ok {
		return nil, ErrRoomNotFound
	}

	name = strings.TrimSpace(name)
	if name == "" {
		if name, err = s.freeName(code); err != nil {
			return nil, err
		}
	} else {
		if err := ValidateName(name); err != nil {
			return nil, err
		}
		if s.nameOnline(code, name) {
			return nil, ErrNameTaken
		}
	}

	token, jc, err := s.tokens.Issue(code, name, "")
	if err != nil {
		return nil, err
	}
	s.log.Info("room_joined", zap.String("room", code), zap.String("name", name))
	return joinResponse(token, jc), nil
}

// Rename reissues a token for the same session under a new name.
func (s *RoomService) Rename(ctx context.Context, claims *JoinClaims, name string) (*models.JoinRoomResponse, error) {
	name = strings.TrimSpace(name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if !strings.EqualFold(name, claims.Name) && s.nameOnline(claims.Room, name) {
		return nil, ErrNameTaken
	}
	token, jc, err := s.tokens.Issue(claims.Room, name, claims.SessionID)
	if err != nil {
		return nil, err
	}
	s.log.Info("room_renamed", zap.String("room", claims.Room), zap.String("from", claims.Name), zap.String("to", name))
	return joinResponse(token, jc), nil
}

// Refresh reissues a token for the same session and name, as long as the
// room still exists.
func (s *RoomService) Refresh(ctx context.Context, claims *JoinClaims) (*models.JoinRoomResponse, error) {
	ok, err := s.store.RoomExists(ctx, claims.Room)
	if err != nil {
		return nil, fmt.Errorf("check room: %w", err)
	}
	if !ok {
		return nil, ErrRoomNotFound
	}
	token, jc, err := s.tokens.Issue(claims.Room, claims.Name, claims.SessionID)
	if err != nil {
		return nil, err
	}
	s.log.Debug("token_refreshed", zap.String("room", claims.Room), zap.String("name", claims.Name))
	return joinResponse(token, jc), nil
}

func joinResponse(token string, jc *JoinClaims) *models.JoinRoomResponse {
	return &models.JoinRoomResponse{Room: jc.Room, Name: jc.Name, Token: token, ExpiresAt: jc.ExpiresAt}
}

func ValidateName(name string) error { return models.ValidateName(name) }

func (s *RoomService) freeName(code string) (string, error) {
	for i := 0; i < generatedNameAttempts; i++ {
		name := store.GenerateName()
		if !s.nameOnline(code, name) {
			return name, nil
		}
	}
	return "", ErrNameTaken
}

func (s *RoomService) nameOnline(code, name string) bool {
	if s.presence == nil {
		return false
	}
	for _, raw := range s.presence.Presence(realtime.PresenceTopic(code)) {
		var meta models.PresenceMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		if strings.EqualFold(meta.Name, name) {
			return true
		}
	}
	return false
}
