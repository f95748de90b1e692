package storage

import "time"

// Store groups the entitlement repositories that share one Postgres pool
type Store struct {
	DB            *PostgresDB
	Users         *UserRepository
	Subscriptions *SubscriptionRepository
	Payments      *PaymentRepository
	Usage         *UsageRepository
	Echoes        *EchoRepository
	NFTs          *NFTRepository
}

// StoreOption customizes a Store
type StoreOption func(*Store)

// WithClock makes every repository read the current time from now
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.Users.now = now
		s.Subscriptions.now = now
		s.Payments.now = now
		s.Usage.now = now
		s.Echoes.now = now
		s.NFTs.now = now
	}
}

// NewStore wires all repositories onto db
func NewStore(db *PostgresDB, opts ...StoreOption) *Store {
	s := &Store{
		DB:            db,
		Users:         NewUserRepository(db),
		Subscriptions: NewSubscriptionRepository(db),
		Payments:      NewPaymentRepository(db),
		Usage:         NewUsageRepository(db),
		Echoes:        NewEchoRepository(db),
		NFTs:          NewNFTRepository(db),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
