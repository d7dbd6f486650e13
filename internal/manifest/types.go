package manifest

// SchemaVersion is the current manifest schema. Archives declare the
// schema they satisfy; the restore engine rejects candidates whose
// declared schema is newer than what this build understands.
const SchemaVersion = 2

type Entry struct {
	Path       string `yaml:"path"`
	Size       int64  `yaml:"size"`
	Blake3Hash string `yaml:"blake3_hash"`
	Required   bool   `yaml:"required"`
	Dir        bool   `yaml:"dir,omitempty"`
}

type Manifest struct {
	Schema  int     `yaml:"schema"`
	Entries []Entry `yaml:"entries"`
}

type ViolationKind int

const (
	Missing ViolationKind = iota
	SizeMismatch
	ChecksumMismatch
	// NonFileEntry is informational: the path exists but is neither a
	// true file nor a directory. Never treated as corruption.
	NonFileEntry
)

func (k ViolationKind) String() string {
	switch k {
	case Missing:
		return "missing"
	case SizeMismatch:
		return "size mismatch"
	case ChecksumMismatch:
		return "checksum mismatch"
	case NonFileEntry:
		return "non-file entry"
	default:
		return "unknown"
	}
}

type Violation struct {
	Path   string
	Kind   ViolationKind
	Detail string
}

// Corruption reports whether the violation indicates a file that is
// missing or damaged, as opposed to an informational notice.
func (v Violation) Corruption() bool {
	return v.Kind != NonFileEntry
}

// RequiredViolations filters out informational notices, leaving only
// violations that make the filesystem unbootable.
func RequiredViolations(violations []Violation) []Violation {
	var out []Violation
	for _, v := range violations {
		if v.Corruption() {
			out = append(out, v)
		}
	}
	return out
}
