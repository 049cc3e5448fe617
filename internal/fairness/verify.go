package fairness

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"math"

	"golang.org/x/crypto/sha3"

	"github.com/DoyleJ11/coinflip-royale/internal/engine"
)

// Verify recomputes a published flip from its revealed seed and checks the signature.
// Anyone holding the server public key and the room rules can run it.
func Verify(pub ed25519.PublicKey, rules engine.Rules, res engine.FlipResult) error {
	if res.Forced {
		return ErrForcedResult
	}
	seed, err := hex.DecodeString(res.ServerSeed)
	if err != nil || len(seed) != SeedSize {
		return fmt.Errorf("%w: malformed server seed", ErrBadProof)
	}
	sum := sha3.Sum256(seed)
	if hex.EncodeToString(sum[:]) != res.Commitment {
		return fmt.Errorf("%w: seed does not match commitment", ErrBadProof)
	}

	req := engine.FlipRequest{
		RoomID:     res.RoomID,
		Address:    res.Address,
		Round:      res.Round,
		Replay:     res.Replay,
		Choice:     res.Choice,
		Power:      res.Power,
		Commitment: res.Commitment,
		Auto:       res.Auto,
	}
	if rules.Variant == engine.VariantTargetMatch {
		target := targetFor(seed, res.RoomID, res.Round, res.Replay)
		if res.Target == nil || *res.Target != target {
			return fmt.Errorf("%w: target", ErrBadProof)
		}
	}
	want := derive(seed, rules, res.Target, req)

	digest, err := hex.DecodeString(res.Digest)
	if err != nil || !bytes.Equal(digest, flipDigest(seed, req)) {
		return fmt.Errorf("%w: digest", ErrBadProof)
	}
	if want.Outcome != res.Outcome || math.Float64bits(want.Score) != math.Float64bits(res.Score) {
		return fmt.Errorf("%w: outcome", ErrBadProof)
	}

	sig, err := hex.DecodeString(res.Signature)
	if err != nil || !ed25519.Verify(pub, signingMessage(res), sig) {
		return ErrBadSignature
	}
	return nil
}
