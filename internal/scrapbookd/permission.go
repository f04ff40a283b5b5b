package scrapbookd

import (
	"crypto/md5"  //nolint:gosec // G501: required to support the legacy "md5" credential hash method
	"crypto/sha1" //nolint:gosec // G505: required to support the legacy "sha1" credential hash method
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"log/slog"

	"golang.org/x/crypto/sha3"
)

// Permission is the outcome of a credential lookup.
type Permission string

const (
	PermissionNone Permission = ""
	PermissionView Permission = "view"
	PermissionRead Permission = "read"
	PermissionAll  Permission = "all"
)

// verbTier classifies an action verb into the authorization matrix's three
// tiers.
type verbTier int

const (
	tierRead verbTier = iota
	tierBrowse
	tierAdvanced
)

var verbTiers = map[string]verbTier{
	"view":   tierRead,
	"source": tierRead,
	"static": tierRead,

	"list":   tierBrowse,
	"edit":   tierBrowse,
	"editx":  tierBrowse,
	"exec":   tierBrowse,
	"browse": tierBrowse,
	"config": tierBrowse,

	"token":  tierAdvanced,
	"lock":   tierAdvanced,
	"unlock": tierAdvanced,
	"mkdir":  tierAdvanced,
	"save":   tierAdvanced,
	"delete": tierAdvanced,
	"move":   tierAdvanced,
	"copy":   tierAdvanced,
}

// tierForVerb returns the authorization tier for verb; unknown verbs are
// treated as the most-restricted tier.
func tierForVerb(verb string) verbTier {
	if t, ok := verbTiers[verb]; ok {
		return t
	}
	return tierAdvanced
}

// Allows reports whether p authorizes verb against the three-tier
// authorization matrix (read, browse, advanced).
func (p Permission) Allows(verb string) bool {
	tier := tierForVerb(verb)
	switch p {
	case PermissionAll:
		return true
	case PermissionRead:
		return tier == tierRead || tier == tierBrowse
	case PermissionView:
		return tier == tierRead
	default:
		return false
	}
}

// PermissionGate evaluates a flat credential table.
type PermissionGate struct {
	Records []AuthRecord
	logger  *slog.Logger
}

// NewPermissionGate constructs a PermissionGate over records, matched in
// declared order.
func NewPermissionGate(records []AuthRecord, logger *slog.Logger) *PermissionGate {
	return &PermissionGate{Records: records, logger: logger}
}

// Evaluate returns the permission for the presented credentials. Missing
// credentials are treated as empty username and password.
func (g *PermissionGate) Evaluate(username, password string) Permission {
	for _, rec := range g.Records {
		if rec.User != username {
			continue
		}
		if hashCredential(password, rec.PwSalt, rec.PwType, g.logger) == rec.Pw {
			return Permission(rec.Permission)
		}
	}
	return PermissionNone
}

// hashCredential hashes presented+salt using method, falling back to plain
// comparison (with a logged warning) for unrecognized methods.
func hashCredential(presented, salt, method string, logger *slog.Logger) string {
	data := []byte(presented + salt)

	switch method {
	case "", "plain":
		return presented
	case "md5":
		sum := md5.Sum(data) //nolint:gosec // legacy compatibility hash method
		return hex.EncodeToString(sum[:])
	case "sha1":
		sum := sha1.Sum(data) //nolint:gosec // legacy compatibility hash method
		return hex.EncodeToString(sum[:])
	case "sha224":
		sum := sha256.Sum224(data)
		return hex.EncodeToString(sum[:])
	case "sha256":
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	case "sha384":
		sum := sha512.Sum384(data)
		return hex.EncodeToString(sum[:])
	case "sha512":
		sum := sha512.Sum512(data)
		return hex.EncodeToString(sum[:])
	case "sha3_224":
		sum := sha3.Sum224(data)
		return hex.EncodeToString(sum[:])
	case "sha3_256":
		sum := sha3.Sum256(data)
		return hex.EncodeToString(sum[:])
	case "sha3_384":
		sum := sha3.Sum384(data)
		return hex.EncodeToString(sum[:])
	case "sha3_512":
		sum := sha3.Sum512(data)
		return hex.EncodeToString(sum[:])
	default:
		if logger != nil {
			logger.Warn("unknown password hash method, falling back to plain", "method", method)
		}
		return presented
	}
}
