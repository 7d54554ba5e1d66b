// internal/storage/firestore_store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Corphon/StoryForge/internal/models"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig Firestore 连接配置
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
	Collection      string
}

// FirestoreStore 每个会话一个文档，会话内容以JSON字符串保存
type FirestoreStore struct {
	client     *firestore.Client
	collection *firestore.CollectionRef
}

type sessionDocument struct {
	Data        string    `firestore:"data"`
	CurrentTurn int       `firestore:"current_turn"`
	MaxTurns    int       `firestore:"max_turns"`
	UpdatedAt   time.Time `firestore:"updated_at"`
}

// NewFirestoreStore 创建 Firestore 客户端
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore project id is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	return NewFirestoreStoreFromClient(client, cfg.Collection), nil
}

// NewFirestoreStoreFromClient 使用已有客户端
func NewFirestoreStoreFromClient(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = "sessions"
	}
	return &FirestoreStore{client: client, collection: client.Collection(collection)}
}

func toDocument(state *models.SessionState) (*sessionDocument, error) {
	data, err := encodeSession(state)
	if err != nil {
		return nil, err
	}
	return &sessionDocument{
		Data:        string(data),
		CurrentTurn: state.CurrentTurn,
		MaxTurns:    state.MaxTurns,
		UpdatedAt:   state.UpdatedAt,
	}, nil
}

func (s *FirestoreStore) Create(ctx context.Context, state *models.SessionState) error {
	doc, err := toDocument(state)
	if err != nil {
		return err
	}

	if _, err := s.collection.Doc(state.SessionID).Create(ctx, doc); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return ErrSessionExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, sessionID string) (*models.SessionState, error) {
	snap, err := s.collection.Doc(sessionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var doc sessionDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode session document: %w", err)
	}
	return decodeSession([]byte(doc.Data))
}

// Update 文档必须已存在
func (s *FirestoreStore) Update(ctx context.Context, state *models.SessionState) error {
	doc, err := toDocument(state)
	if err != nil {
		return err
	}

	_, err = s.collection.Doc(state.SessionID).Update(ctx, []firestore.Update{
		{Path: "data", Value: doc.Data},
		{Path: "current_turn", Value: doc.CurrentTurn},
		{Path: "max_turns", Value: doc.MaxTurns},
		{Path: "updated_at", Value: doc.UpdatedAt},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrSessionNotFound
		}
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
