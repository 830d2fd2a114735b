package modules

import (
	"github.com/roach88/evidence/internal/ir"
)

const claimDomain = "nyx/claim/v1"

// IdentityKey is the partition holding a subject's verified claims.
func IdentityKey(subject string) ir.PartitionKey {
	return ir.PartitionKey("identity:" + subject)
}

var identityVerifyClaim = Handler{
	Route: ir.Route{Module: "identity", Action: "verify_claim"},
	Footprint: func(p ir.Object) (Footprint, error) {
		subject, err := account(p, "subject")
		if err != nil {
			return Footprint{}, err
		}
		for _, field := range []string{"claim", "context", "proof"} {
			s, err := str(p, field)
			if err != nil {
				return Footprint{}, err
			}
			if s == "" {
				return Footprint{}, invalid("field %q must not be empty", field)
			}
		}
		return Footprint{Payer: subject, Partitions: []ir.PartitionKey{IdentityKey(subject)}}, nil
	},
	Apply: func(env Env, p ir.Object) (Effects, error) {
		subject := strField(p, "subject")
		claim, context := strField(p, "claim"), strField(p, "context")

		if env.Verifier == nil {
			return Effects{}, reject("no proof verifier configured")
		}
		ok, err := env.Verifier.Verify(claim, context, strField(p, "proof"))
		if err != nil {
			return Effects{}, reject("proof verification failed: %v", err)
		}
		if !ok {
			return Effects{}, reject("proof does not verify claim %q", claim)
		}

		digest, err := ir.HashValue(claimDomain, ir.Object{
			"claim":   ir.String(claim),
			"context": ir.String(context),
		})
		if err != nil {
			return Effects{}, err
		}

		record := env.View.Partition(IdentityKey(subject))
		claims := objField(record, "claims").Clone()
		if claims == nil {
			claims = ir.Object{}
		}
		claims[claim] = ir.String(digest)
		record["claims"] = claims
		return Effects{Delta: map[ir.PartitionKey]ir.Object{IdentityKey(subject): record}}, nil
	},
}
