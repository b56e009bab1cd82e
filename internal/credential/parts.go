// Package credential encodes and decodes the broker's opaque credential
// string, a pipe-delimited triple of refresh token, project id, and managed
// project id. The encoding preserves empty trailing segments so that
// "refresh|proj|" and "refresh|proj" remain distinguishable on decode.
package credential

import (
	"strings"

	"github.com/antigravity-broker/broker/internal/brokererr"
)

// Parts is the decoded form of a credential string. RefreshToken is the
// only field used for caching and deduplication across the broker.
// ManagedProject is a pointer so "segment absent" (nil) and "segment
// present but empty" (pointer to "") remain distinguishable, mirroring the
// difference between "refresh|proj" and "refresh|proj|".
type Parts struct {
	RefreshToken   string
	ProjectID      string
	ManagedProject *string
}

// HasManagedProject reports whether a managed project segment was present
// at all, empty or not.
func (p Parts) HasManagedProject() bool { return p.ManagedProject != nil }

// ManagedProjectValue returns the managed project id, or "" when the
// segment was absent entirely.
func (p Parts) ManagedProjectValue() string {
	if p.ManagedProject == nil {
		return ""
	}
	return *p.ManagedProject
}

// Encode packs parts into "refreshToken|projectID|managedProjectID",
// never dropping trailing empty segments.
func Encode(refreshToken, projectID, managedProjectID string) string {
	return refreshToken + "|" + projectID + "|" + managedProjectID
}

// Decode splits an encoded credential on the first two '|' characters only,
// so any further '|' stays inside the managed-project segment. The refresh
// token ends at the first '|'. A missing managed-project segment decodes to a nil
// ManagedProject; a present-but-empty segment decodes to a pointer to "",
// so "refresh|proj" and "refresh|proj|" decode to distinguishable values.
func Decode(s string) (Parts, error) {
	first := strings.IndexByte(s, '|')
	if first < 0 {
		if s == "" {
			return Parts{}, &brokererr.MalformedCredential{Raw: s}
		}
		return Parts{RefreshToken: s}, nil
	}
	refreshToken := s[:first]
	if refreshToken == "" {
		return Parts{}, &brokererr.MalformedCredential{Raw: s}
	}
	rest := s[first+1:]
	second := strings.IndexByte(rest, '|')
	if second < 0 {
		return Parts{RefreshToken: refreshToken, ProjectID: rest}, nil
	}
	projectID := rest[:second]
	managed := rest[second+1:]
	return Parts{
		RefreshToken:   refreshToken,
		ProjectID:      projectID,
		ManagedProject: &managed,
	}, nil
}

// EncodeParts is a convenience wrapper around Encode for a decoded Parts value.
func EncodeParts(p Parts) string {
	return Encode(p.RefreshToken, p.ProjectID, p.ManagedProjectValue())
}
