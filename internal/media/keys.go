package media

import (
	"crypto/rand"
	"path"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
	"github.com/oklog/ulid/v2"
)

// NewStorageKey mints a time-ordered blob key under the scope's prefix.
// The original filename's extension is kept so downloads get a sensible suffix.
func NewStorageKey(scope model.Scope, filename string, now time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) > 10 || strings.ContainsAny(ext, "/\\?#") {
		ext = ""
	}
	return "vault/" + scope.Key() + "/" + id + ext
}

// InScope reports whether key sits directly under scope's prefix. Keys in
// deeper directories never match, whatever the scope ids contain.
func InScope(scope model.Scope, key string) bool {
	if !scope.Valid() || strings.HasSuffix(key, "/") {
		return false
	}
	return path.Dir(key) == "vault/"+scope.Key()
}
