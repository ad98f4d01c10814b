package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	transactionRecordVersion1 = 1
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionExists   = errors.New("transaction already registered")
	ErrTransactionBackend  = errors.New("transaction store unavailable")
)

// Progress flags. They only ever gain bits.
const (
	FlagEventReceived uint8 = 1 << iota
	FlagChallengeCompleted
	FlagResolved
)

// TransactionRecord is the persisted view of a transaction context.
type TransactionRecord struct {
	ServerTransID    string
	RequestorTransID string
	CallbackURL      string
	MonitoringURL    string
	AuthURL          string
	ChallengeURL     string
	ACSTransID       string
	MaskedCard       string
	MerchantID       string
	PurchaseAmount   string
	Currency         string
	Expiry           string
	RawTransStatus   string
	BrowserInfo      string
	Flags            uint8
	CreatedAt        int64
}

// TransactionStore keeps snapshots under <prefix>:tx:<server id> and the
// requestor index under <prefix>:rid:<requestor id>.
type TransactionStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewTransactionStore(redisClient redis.UniversalClient, prefix string) *TransactionStore {
	if prefix == "" {
		prefix = "tds"
	}
	return &TransactionStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *TransactionStore) key(serverTransID string) string {
	return s.prefix + ":tx:" + serverTransID
}

func (s *TransactionStore) requestorKey(requestorTransID string) string {
	return s.prefix + ":rid:" + requestorTransID
}

// Register stores a new snapshot. It fails with ErrTransactionExists when
// the server transaction ID is already registered.
func (s *TransactionStore) Register(ctx context.Context, record *TransactionRecord, ttl time.Duration) error {
	encoded, err := encodeTransactionRecord(record)
	if err != nil {
		return err
	}
	ok, err := s.redis.SetNX(ctx, s.key(record.ServerTransID), encoded, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionBackend, err)
	}
	if !ok {
		return ErrTransactionExists
	}
	if record.RequestorTransID != "" {
		if err := s.redis.Set(ctx, s.requestorKey(record.RequestorTransID), record.ServerTransID, ttl).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrTransactionBackend, err)
		}
	}
	return nil
}

// Save overwrites the snapshot, keeping its TTL and merging progress flags
// with whatever is stored.
func (s *TransactionStore) Save(ctx context.Context, record *TransactionRecord) error {
	const maxRetries = 4
	key := s.key(record.ServerTransID)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			current, err := decodeTransactionRecord(data)
			if err != nil {
				return err
			}

			merged := *record
			merged.Flags |= current.Flags
			if merged.CreatedAt == 0 {
				merged.CreatedAt = current.CreatedAt
			}
			encoded, err := encodeTransactionRecord(&merged)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, redis.KeepTTL)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrTransactionNotFound
			}
			return fmt.Errorf("%w: %v", ErrTransactionBackend, err)
		}
		return nil
	}

	return fmt.Errorf("%w: too much contention", ErrTransactionBackend)
}

func (s *TransactionStore) Get(ctx context.Context, serverTransID string) (*TransactionRecord, error) {
	data, err := s.redis.Get(ctx, s.key(serverTransID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrTransactionBackend, err)
	}
	return decodeTransactionRecord(data)
}

// ResolveRequestor maps a requestor transaction ID to the server one.
func (s *TransactionStore) ResolveRequestor(ctx context.Context, requestorTransID string) (string, error) {
	id, err := s.redis.Get(ctx, s.requestorKey(requestorTransID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrTransactionNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrTransactionBackend, err)
	}
	return id, nil
}

func (s *TransactionStore) Delete(ctx context.Context, serverTransID, requestorTransID string) (bool, error) {
	keys := []string{s.key(serverTransID)}
	if requestorTransID != "" {
		keys = append(keys, s.requestorKey(requestorTransID))
	}
	n, err := s.redis.Del(ctx, keys...).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransactionBackend, err)
	}
	return n > 0, nil
}

func encodeTransactionRecord(record *TransactionRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(transactionRecordVersion1)
	buf.WriteByte(record.Flags)

	if err := binary.Write(&buf, binary.BigEndian, record.CreatedAt); err != nil {
		return nil, err
	}
	for _, field := range record.stringFields() {
		if len(*field) > 65535 {
			return nil, errors.New("transaction record field length exceeded")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(*field))); err != nil {
			return nil, err
		}
		buf.WriteString(*field)
	}

	return buf.Bytes(), nil
}

func decodeTransactionRecord(data []byte) (*TransactionRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != transactionRecordVersion1 {
		return nil, errors.New("invalid transaction record version")
	}

	record := &TransactionRecord{}
	if record.Flags, err = reader.ReadByte(); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.CreatedAt); err != nil {
		return nil, err
	}
	for _, field := range record.stringFields() {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(reader, b); err != nil {
			return nil, err
		}
		*field = string(b)
	}

	return record, nil
}

// stringFields fixes the wire order of the string fields.
func (r *TransactionRecord) stringFields() []*string {
	return []*string{
		&r.ServerTransID,
		&r.RequestorTransID,
		&r.CallbackURL,
		&r.MonitoringURL,
		&r.AuthURL,
		&r.ChallengeURL,
		&r.ACSTransID,
		&r.MaskedCard,
		&r.MerchantID,
		&r.PurchaseAmount,
		&r.Currency,
		&r.Expiry,
		&r.RawTransStatus,
		&r.BrowserInfo,
	}
}
