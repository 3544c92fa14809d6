// Package security holds the pre-execution controls: agent identity signing
// and verification, the action validation gate, and just-in-time credential
// handles.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/eventstore"
	"github.com/aegisops/aegis/pkg/models"
)

// Identity is what an agent presents when proposing or executing actions.
type Identity struct {
	Name        string
	Class       models.AgentClass
	Permissions []string
	Token       string
}

// HasPermission reports whether the identity holds the named permission.
func (id Identity) HasPermission(perm string) bool {
	for _, p := range id.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Signer produces HMAC-SHA256 signatures over agent recommendations and
// identity tokens, keyed by the agent's configured identity key.
type Signer struct {
	name  string
	class models.AgentClass
	key   []byte
}

// NewSigner builds a signer from an agent's registration.
func NewSigner(cfg config.AgentConfig) *Signer {
	return &Signer{name: cfg.Name, class: cfg.Class, key: []byte(cfg.IdentityKey)}
}

// Sign computes the recommendation's signature in place. The signature covers
// the canonical JSON form of the recommendation with the signature field
// cleared, so any later mutation invalidates it.
func (s *Signer) Sign(rec *models.AgentRecommendation) error {
	digest, err := recommendationDigest(*rec)
	if err != nil {
		return fmt.Errorf("failed to canonicalize recommendation: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(digest)
	rec.Signature = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// Token returns the agent's signed identity token:
// name.class.hex(hmac(key, name|class)).
func (s *Signer) Token() string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s|%s", s.name, s.class)
	return fmt.Sprintf("%s.%s.%s", s.name, s.class, hex.EncodeToString(mac.Sum(nil)))
}

// Identity returns the signer's identity with a fresh token.
func (s *Signer) Identity(permissions []string) Identity {
	return Identity{
		Name:        s.name,
		Class:       s.class,
		Permissions: permissions,
		Token:       s.Token(),
	}
}

// Registry verifies recommendation signatures and identity tokens against the
// configured agent keys. It implements the consensus engine's Verifier seam.
type Registry struct {
	byClass map[models.AgentClass][]registered
	byName  map[string]registered
}

type registered struct {
	name string
	key  []byte
}

// NewRegistry indexes the configured agents by class and name.
func NewRegistry(agents []config.AgentConfig) *Registry {
	r := &Registry{
		byClass: make(map[models.AgentClass][]registered),
		byName:  make(map[string]registered),
	}
	for _, a := range agents {
		reg := registered{name: a.Name, key: []byte(a.IdentityKey)}
		r.byClass[a.Class] = append(r.byClass[a.Class], reg)
		r.byName[a.Name] = reg
	}
	return r
}

// Verify reports whether the recommendation carries a valid signature from
// any registered agent of the given class.
func (r *Registry) Verify(class models.AgentClass, rec models.AgentRecommendation) bool {
	sig, err := hex.DecodeString(rec.Signature)
	if err != nil || len(sig) == 0 {
		return false
	}
	digest, err := recommendationDigest(rec)
	if err != nil {
		return false
	}
	for _, reg := range r.byClass[class] {
		mac := hmac.New(sha256.New, reg.key)
		mac.Write(digest)
		if hmac.Equal(sig, mac.Sum(nil)) {
			return true
		}
	}
	return false
}

// VerifyToken checks a signed identity token and returns the identity it
// names.
func (r *Registry) VerifyToken(token string) (name string, class models.AgentClass, ok bool) {
	parts := strings.SplitN(token, ".", 3)
	if len(parts) != 3 {
		return "", "", false
	}
	name, class = parts[0], models.AgentClass(parts[1])
	reg, found := r.byName[name]
	if !found {
		return "", "", false
	}
	sig, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", "", false
	}
	mac := hmac.New(sha256.New, reg.key)
	fmt.Fprintf(mac, "%s|%s", name, class)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", "", false
	}
	return name, class, true
}

// recommendationDigest is the canonical signing input: SHA-256 over the
// recommendation's canonical JSON with the signature field cleared.
func recommendationDigest(rec models.AgentRecommendation) ([]byte, error) {
	rec.Signature = ""
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	canonical, err := eventstore.CanonicalPayload(raw)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}
