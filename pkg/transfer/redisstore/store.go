// Package redisstore persists transfers in Redis.
//
// Each transfer is a JSON value under <prefix>:transfer:<id>. Unfinished transfer ids are kept
// in the <prefix>:active set. Final transfers leave the set and expire after the archive TTL.
package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/chainclient/pkg/transfer"
)

var _ transfer.Store = (*Store)(nil)

type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

type Option func(*Store)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// WithPrefix namespaces keys, for several coordinators sharing one database.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithArchiveTTL sets how long final transfers are kept. Zero keeps them forever.
func WithArchiveTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "chainclient",
		ttl:    time.Hour,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// record is the stored form. Status is kept by name so values stay readable.
type record struct {
	ID                string    `json:"id"`
	Route             string    `json:"route"`
	SourceChain       string    `json:"source_chain"`
	DestChain         string    `json:"dest_chain"`
	ChannelOrBridgeID string    `json:"channel_or_bridge_id,omitempty"`
	PacketSequence    uint64    `json:"packet_sequence,omitempty"`
	Commitment        []byte    `json:"commitment,omitempty"`
	SourceTx          string    `json:"source_tx,omitempty"`
	RefundTx          string    `json:"refund_tx,omitempty"`
	Status            string    `json:"status"`
	Deadline          time.Time `json:"deadline"`
	UpdatedAt         time.Time `json:"updated_at"`
	Packet            packet    `json:"packet"`
}

type packet struct {
	Sequence   uint64    `json:"sequence"`
	Commitment []byte    `json:"commitment,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	Timeout    time.Time `json:"timeout"`
	Data       []byte    `json:"data,omitempty"`
}

func (s *Store) transferKey(id string) string {
	return s.prefix + ":transfer:" + id
}

func (s *Store) activeKey() string {
	return s.prefix + ":active"
}

func (s *Store) Save(ctx context.Context, rec transfer.Record) error {
	st := rec.State
	bz, err := json.Marshal(record{
		ID:                st.ID,
		Route:             st.Route,
		SourceChain:       st.SourceChain,
		DestChain:         st.DestChain,
		ChannelOrBridgeID: st.ChannelOrBridgeID,
		PacketSequence:    st.PacketSequence,
		Commitment:        st.Commitment,
		SourceTx:          st.SourceTx,
		RefundTx:          st.RefundTx,
		Status:            st.Status.String(),
		Deadline:          st.Deadline,
		UpdatedAt:         st.UpdatedAt,
		Packet: packet{
			Sequence:   rec.Packet.Sequence,
			Commitment: rec.Packet.Commitment,
			Channel:    rec.Packet.Channel,
			Timeout:    rec.Packet.Timeout,
			Data:       rec.Packet.Data,
		},
	})
	if err != nil {
		return eris.Wrap(err, "failed to encode transfer")
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if st.Status.Final() {
			pipe.Set(ctx, s.transferKey(st.ID), bz, s.ttl)
			pipe.SRem(ctx, s.activeKey(), st.ID)
			return nil
		}
		pipe.Set(ctx, s.transferKey(st.ID), bz, 0)
		pipe.SAdd(ctx, s.activeKey(), st.ID)
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "failed to save transfer %s", st.ID)
	}
	return nil
}

// Get reads one transfer, final or not.
func (s *Store) Get(ctx context.Context, id string) (transfer.Record, bool, error) {
	val, err := s.client.Get(ctx, s.transferKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return transfer.Record{}, false, nil
	}
	if err != nil {
		return transfer.Record{}, false, eris.Wrapf(err, "failed to read transfer %s", id)
	}
	rec, err := decode(val)
	if err != nil {
		return transfer.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) Active(ctx context.Context) ([]transfer.Record, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, eris.Wrap(err, "failed to list active transfers")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.transferKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, eris.Wrap(err, "failed to read active transfers")
	}

	out := make([]transfer.Record, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			s.log.Warn().Str("transfer_id", ids[i]).Msg("Active transfer has no value, skipping")
			continue
		}
		rec, err := decode(str)
		if err != nil {
			return nil, eris.Wrapf(err, "transfer %s", ids[i])
		}
		out = append(out, rec)
	}
	return out, nil
}

func decode(val string) (transfer.Record, error) {
	var r record
	if err := json.Unmarshal([]byte(val), &r); err != nil {
		return transfer.Record{}, eris.Wrap(err, "failed to decode transfer")
	}
	status, err := transfer.ParseStatus(r.Status)
	if err != nil {
		return transfer.Record{}, err
	}
	return transfer.Record{
		State: transfer.TransferState{
			ID:                r.ID,
			Route:             r.Route,
			SourceChain:       r.SourceChain,
			DestChain:         r.DestChain,
			ChannelOrBridgeID: r.ChannelOrBridgeID,
			PacketSequence:    r.PacketSequence,
			Commitment:        r.Commitment,
			SourceTx:          r.SourceTx,
			RefundTx:          r.RefundTx,
			Status:            status,
			Deadline:          r.Deadline,
			UpdatedAt:         r.UpdatedAt,
		},
		Packet: transfer.Packet{
			Sequence:   r.Packet.Sequence,
			Commitment: r.Packet.Commitment,
			Channel:    r.Packet.Channel,
			Timeout:    r.Packet.Timeout,
			Data:       r.Packet.Data,
		},
	}, nil
}
