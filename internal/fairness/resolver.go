// Package fairness implements the commit-reveal flip resolver. A round commits to the
// SHA3-256 hash of a server seed before any choice is made; each flip is then derived
// from HMAC-SHA256 over the seed and the flip's public inputs, and signed with ed25519.
package fairness

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/DoyleJ11/coinflip-royale/internal/engine"
)

const (
	SeedSize = 32

	flipDomain   = "coinflip-royale/flip/v1"
	targetDomain = "coinflip-royale/target/v1"
	signDomain   = "coinflip-royale/sign/v1"
	seedInfo     = "coinflip-royale/seed/v1"
	keyInfo      = "coinflip-royale/signing-key/v1"

	entropyAttempts = 3
)

var (
	ErrUnknownCommitment  = errors.New("no seed committed for this round")
	ErrCommitmentMismatch = errors.New("request does not match the round commitment")
	ErrForcedResult       = errors.New("forced result carries no proof")
	ErrBadProof           = errors.New("flip proof does not verify")
	ErrBadSignature       = errors.New("flip signature does not verify")
	ErrInvalidKey         = errors.New("invalid signing seed")
)

type seedKey struct {
	room   string
	round  int
	replay int
}

type committed struct {
	seed       []byte
	commitment engine.Commitment
}

type Resolver struct {
	entropy io.Reader
	master  []byte
	signer  ed25519.PrivateKey
	log     *zap.Logger

	mu    sync.Mutex
	seeds map[seedKey]committed
}

type Option func(*Resolver)

// WithEntropy replaces crypto/rand as the seed source.
func WithEntropy(r io.Reader) Option {
	return func(res *Resolver) { res.entropy = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(res *Resolver) { res.log = l }
}

// New builds a resolver. master keys the entropy fallback; signingSeed is the 32-byte
// ed25519 seed and is derived from master when empty.
func New(master, signingSeed []byte, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		entropy: rand.Reader,
		log:     zap.NewNop(),
		seeds:   map[seedKey]committed{},
	}
	for _, opt := range opts {
		opt(r)
	}

	if len(master) == 0 {
		master = make([]byte, SeedSize)
		if _, err := io.ReadFull(rand.Reader, master); err != nil {
			return nil, fmt.Errorf("generate master secret: %w", err)
		}
	}
	r.master = master

	if len(signingSeed) == 0 {
		signingSeed = make([]byte, ed25519.SeedSize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(keyInfo)), signingSeed); err != nil {
			return nil, fmt.Errorf("derive signing key: %w", err)
		}
	}
	if len(signingSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(signingSeed))
	}
	r.signer = ed25519.NewKeyFromSeed(signingSeed)
	return r, nil
}

func (r *Resolver) PublicKey() ed25519.PublicKey {
	return r.signer.Public().(ed25519.PublicKey)
}

// Commit draws the seed for (room, round, replay) and returns its public commitment.
// Committing the same round twice returns the first commitment.
func (r *Resolver) Commit(ctx context.Context, roomID string, round, replay int, variant engine.Variant) (engine.Commitment, error) {
	if err := ctx.Err(); err != nil {
		return engine.Commitment{}, err
	}
	key := seedKey{roomID, round, replay}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.seeds[key]; ok {
		return c.commitment, nil
	}

	seed, err := r.newSeed(key)
	if err != nil {
		return engine.Commitment{}, err
	}
	sum := sha3.Sum256(seed)
	c := engine.Commitment{
		RoomID: roomID,
		Round:  round,
		Replay: replay,
		Hash:   hex.EncodeToString(sum[:]),
	}
	if variant == engine.VariantTargetMatch {
		target := targetFor(seed, roomID, round, replay)
		c.Target = &target
	}
	r.seeds[key] = committed{seed: seed, commitment: c}
	return c, nil
}

func (r *Resolver) newSeed(key seedKey) ([]byte, error) {
	seed := make([]byte, SeedSize)
	var err error
	for i := 0; i < entropyAttempts; i++ {
		if _, err = io.ReadFull(r.entropy, seed); err == nil {
			return seed, nil
		}
	}
	r.log.Warn("entropy source failed, deriving seed from master secret",
		zap.String("room", key.room), zap.Int("round", key.round), zap.Int("replay", key.replay), zap.Error(err))

	info := fmt.Appendf([]byte(seedInfo), "|%s|%d|%d", key.room, key.round, key.replay)
	if _, err := io.ReadFull(hkdf.New(sha256.New, r.master, nil, info), seed); err != nil {
		return nil, fmt.Errorf("derive seed: %w", err)
	}
	return seed, nil
}

// Resolve derives the outcome of one flip against the committed seed of its round.
func (r *Resolver) Resolve(ctx context.Context, rules engine.Rules, c engine.Commitment, req engine.FlipRequest) (engine.FlipResult, error) {
	if err := ctx.Err(); err != nil {
		return engine.FlipResult{}, err
	}

	r.mu.Lock()
	stored, ok := r.seeds[seedKey{c.RoomID, c.Round, c.Replay}]
	r.mu.Unlock()
	if !ok {
		return engine.FlipResult{}, ErrUnknownCommitment
	}
	if stored.commitment.Hash != c.Hash || req.Commitment != c.Hash ||
		req.RoomID != c.RoomID || req.Round != c.Round || req.Replay != c.Replay {
		return engine.FlipResult{}, ErrCommitmentMismatch
	}

	res := derive(stored.seed, rules, stored.commitment.Target, req)
	res.Signature = hex.EncodeToString(ed25519.Sign(r.signer, signingMessage(res)))
	res.Verified = true
	return res, nil
}

// Forget drops every seed held for roomID.
func (r *Resolver) Forget(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.seeds {
		if k.room == roomID {
			delete(r.seeds, k)
		}
	}
}

func derive(seed []byte, rules engine.Rules, target *engine.Side, req engine.FlipRequest) engine.FlipResult {
	digest := flipDigest(seed, req)
	u := unitFloat(digest)
	tilt := Tilt(rules, req.Power)

	res := engine.FlipResult{
		RoomID:     req.RoomID,
		Address:    req.Address,
		Round:      req.Round,
		Replay:     req.Replay,
		Choice:     req.Choice,
		Power:      req.Power,
		Auto:       req.Auto,
		Tilt:       tilt,
		DurationMs: DurationFor(rules, req.Power),
		Commitment: req.Commitment,
		ServerSeed: hex.EncodeToString(seed),
		ClientSeed: ClientSeed(req),
		Digest:     hex.EncodeToString(digest),
	}

	if target != nil {
		t := *target
		res.Target = &t
		res.Score = u
		res.Outcome = t.Opposite()
		if u < 0.5+tilt {
			res.Outcome = t
		}
		return res
	}

	res.Score = math.Min(1, u+tilt)
	res.Outcome = req.Choice.Opposite()
	if u < 0.5 {
		res.Outcome = req.Choice
	}
	return res
}

// ClientSeed is the public per-flip input mixed into the digest.
func ClientSeed(req engine.FlipRequest) string {
	return fmt.Sprintf("%s:%s:%d", req.Address, req.Choice, req.Power)
}

func flipDigest(seed []byte, req engine.FlipRequest) []byte {
	mac := hmac.New(sha256.New, seed)
	mac.Write([]byte(flipDomain))
	writeField(mac, []byte(req.RoomID))
	mac.Write(u64(uint64(req.Round)))
	mac.Write(u64(uint64(req.Replay)))
	writeField(mac, []byte(req.Address))
	writeField(mac, []byte(req.Choice))
	mac.Write(u64(uint64(req.Power)))
	return mac.Sum(nil)
}

func targetFor(seed []byte, roomID string, round, replay int) engine.Side {
	mac := hmac.New(sha256.New, seed)
	mac.Write([]byte(targetDomain))
	writeField(mac, []byte(roomID))
	mac.Write(u64(uint64(round)))
	mac.Write(u64(uint64(replay)))
	if mac.Sum(nil)[0]&1 == 0 {
		return engine.SideHeads
	}
	return engine.SideTails
}

// unitFloat maps the first 52 bits of a digest onto [0, 1).
func unitFloat(digest []byte) float64 {
	return float64(binary.BigEndian.Uint64(digest[:8])>>12) / (1 << 52)
}

func signingMessage(res engine.FlipResult) []byte {
	var target string
	if res.Target != nil {
		target = string(*res.Target)
	}
	msg := []byte(signDomain)
	for _, field := range []string{res.Commitment, res.Digest, res.Address, string(res.Outcome), target} {
		msg = binary.LittleEndian.AppendUint32(msg, uint32(len(field)))
		msg = append(msg, field...)
	}
	msg = binary.LittleEndian.AppendUint64(msg, math.Float64bits(res.Score))
	return msg
}

func writeField(w io.Writer, b []byte) {
	w.Write(u64(uint64(len(b))))
	w.Write(b)
}

func u64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}
