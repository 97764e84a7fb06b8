// Package identity supplies the signed-in user of this node.
package identity

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/util"
)

var log = logging.Logger("identity")

// Provider supplies the current user id.
type Provider interface {
	UserID() string
	DisplayName() string
}

// File is an identity persisted as JSON next to the node's data.
type File struct {
	ID   string `json:"user_id"`
	Name string `json:"display_name"`
}

func (f File) UserID() string      { return f.ID }
func (f File) DisplayName() string { return f.Name }

// LoadOrCreate loads the identity at path, generating a new user id when the
// file is missing or unreadable. A non-empty name replaces the stored one.
// Returns (identity, createdNew, err).
func LoadOrCreate(path, name string) (File, bool, error) {
	var f File
	err := util.ReadJSONFile(path, &f)
	switch {
	case err == nil && strings.TrimSpace(f.ID) != "":
		if name != "" && name != f.Name {
			f.Name = name
			if err := util.WriteJSONFile(path, f); err != nil {
				return File{}, false, fmt.Errorf("save identity: %w", err)
			}
		}
		return f, false, nil
	case err == nil:
		log.Warnf("identity at %s has no user id (generating new one)", path)
	case !errors.Is(err, os.ErrNotExist):
		log.Warnf("corrupt identity at %s: %v (generating new one)", path, err)
	}

	f = File{ID: uuid.NewString(), Name: name}
	if f.Name == "" {
		f.Name = "user-" + f.ID[:8]
	}
	if err := util.WriteJSONFile(path, f); err != nil {
		return File{}, false, fmt.Errorf("save identity: %w", err)
	}
	return f, true, nil
}
