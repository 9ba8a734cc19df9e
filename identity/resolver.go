package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"nftlend/crypto"
	"nftlend/models"
)

// ErrAccountDisabled rejects logins for deactivated accounts before any
// session is issued.
var ErrAccountDisabled = errors.New("identity: account disabled")

// Resolver maps verified public keys to accounts, provisioning on first
// login.
type Resolver struct {
	db  *gorm.DB
	now func() time.Time
}

func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db, now: time.Now}
}

// ResolveOrCreate returns the account for a verified public key, creating it
// on first sight. Idempotent: the same key always resolves to the same
// account, and the created flag is true only once.
func (r *Resolver) ResolveOrCreate(ctx context.Context, publicKey string) (*models.Account, bool, error) {
	key := crypto.NormalizeKeyHex(publicKey)

	var account models.Account
	err := r.db.WithContext(ctx).First(&account, "public_key = ?", key).Error
	switch {
	case err == nil:
		if !account.Active {
			return nil, false, ErrAccountDisabled
		}
		return &account, false, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, err
	}

	now := r.now()
	account = models.Account{
		ID:        uuid.New(),
		PublicKey: key,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(&account).Error; err != nil {
		// Lost a race with a concurrent first login for the same key.
		var existing models.Account
		if ferr := r.db.WithContext(ctx).First(&existing, "public_key = ?", key).Error; ferr == nil {
			if !existing.Active {
				return nil, false, ErrAccountDisabled
			}
			return &existing, false, nil
		}
		return nil, false, err
	}
	return &account, true, nil
}

// ByID loads an account by primary key, for authenticated request contexts.
func (r *Resolver) ByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).First(&account, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &account, nil
}
