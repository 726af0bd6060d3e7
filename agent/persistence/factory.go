package persistence

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Stores bundles the stores a deployment needs.
type Stores struct {
	Conversations ConversationStore
	Actions       ActionStore
}

// NewStores creates the stores for the given backend. db is required for
// StoreTypeGorm and ignored otherwise.
func NewStores(storeType StoreType, db *gorm.DB, logger *zap.Logger) (*Stores, error) {
	switch storeType {
	case StoreTypeMemory, "":
		return &Stores{
			Conversations: NewMemoryConversationStore(),
			Actions:       NewMemoryActionStore(),
		}, nil
	case StoreTypeGorm:
		if db == nil {
			return nil, fmt.Errorf("gorm store requires a database connection")
		}
		return &Stores{
			Conversations: NewGormConversationStore(db, logger),
			Actions:       NewGormActionStore(db),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}
