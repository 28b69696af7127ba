package upload

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fjmerc/stashbox/internal/utils"
)

const dateFormat = "2006-01-02_15-04-05"

// Name is a resolved object key split into base and extension.
type Name struct {
	Base string
	Ext  string
	// Fixed names come from the client and must not collide with stored ones.
	Fixed bool
}

// Key returns the storage key.
func (n Name) Key() string {
	return n.Base + n.Ext
}

// Namer applies the naming strategies.
type Namer struct {
	DefaultFormat string
	RandomLength  int
	Now           func() time.Time
}

// Resolve computes the key for an upload of original under opts.
func (n *Namer) Resolve(format, original, overrideFilename, overrideExtension string, addOriginalName bool) (Name, error) {
	if format == "" {
		format = n.DefaultFormat
	}

	origBase, ext := utils.SplitName(utils.SanitizeFilename(original, "file"))
	if overrideExtension != "" {
		ext = "." + strings.ToLower(strings.TrimPrefix(strings.TrimSpace(overrideExtension), "."))
	}

	if overrideFilename != "" {
		base := utils.SanitizeFilename(overrideFilename, "file")
		if b, e := utils.SplitName(base); e == ext {
			base = b
		}
		return Name{Base: base, Ext: ext, Fixed: true}, nil
	}

	var base string
	switch format {
	case "name":
		return Name{Base: origBase, Ext: ext, Fixed: true}, nil
	case "uuid":
		base = uuid.NewString()
	case "date":
		suffix, err := utils.RandomString(4)
		if err != nil {
			return Name{}, err
		}
		base = n.now().Format(dateFormat) + "_" + suffix
	default:
		s, err := utils.RandomString(n.RandomLength)
		if err != nil {
			return Name{}, err
		}
		base = s
	}

	if addOriginalName {
		base += "_" + origBase
	}
	return Name{Base: base, Ext: ext}, nil
}

func (n *Namer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}
