package authstate

import (
	"strings"

	"github.com/chatwire/chatwire/internal/normalize"
)

// purgeSenders deletes key material for the given peers. Session entries match
// exactly or with a device/agent suffix; sender-key entries match on substring
// because their ids embed the group and sender address.
func purgeSenders(keys map[BucketKind]map[string][]byte, jids []string) {
	userParts := make([]string, 0, len(jids))
	for _, jid := range jids {
		if jid == "" {
			continue
		}
		if part := normalize.UserPart(jid); part != "" {
			userParts = append(userParts, part)
		}
	}
	if len(userParts) == 0 {
		return
	}

	if bucket := keys[BucketSession]; bucket != nil {
		for id := range bucket {
			if matchesSessionID(id, userParts) {
				delete(bucket, id)
			}
		}
	}

	for _, kind := range []BucketKind{BucketSenderKey, BucketSenderKeyMemory} {
		bucket := keys[kind]
		if bucket == nil {
			continue
		}
		for id := range bucket {
			for _, part := range userParts {
				if strings.Contains(id, part) {
					delete(bucket, id)
					break
				}
			}
		}
	}
}

func matchesSessionID(id string, userParts []string) bool {
	for _, part := range userParts {
		if id == part ||
			strings.HasPrefix(id, part+":") ||
			strings.HasPrefix(id, part+".") {
			return true
		}
	}
	return false
}
