package wasm

// Features is the set of optional WebAssembly features. The same type
// serves two roles: the features the embedder enables for a compile, and
// the features actually detected while validating function bodies.
type Features struct {
	SignExtension   bool
	SaturatingTrunc bool
	BulkMemory      bool
	ReferenceTypes  bool
	MultiValue      bool
	Threads         bool
}

// DefaultFeatures returns the feature set enabled by default.
func DefaultFeatures() Features {
	return Features{
		SignExtension:   true,
		SaturatingTrunc: true,
		BulkMemory:      true,
		ReferenceTypes:  true,
		MultiValue:      true,
	}
}

// Union adds all features set in other.
func (f *Features) Union(other Features) {
	f.SignExtension = f.SignExtension || other.SignExtension
	f.SaturatingTrunc = f.SaturatingTrunc || other.SaturatingTrunc
	f.BulkMemory = f.BulkMemory || other.BulkMemory
	f.ReferenceTypes = f.ReferenceTypes || other.ReferenceTypes
	f.MultiValue = f.MultiValue || other.MultiValue
	f.Threads = f.Threads || other.Threads
}

// List returns the names of all set features.
func (f Features) List() []string {
	var out []string
	if f.SignExtension {
		out = append(out, "sign-extension")
	}
	if f.SaturatingTrunc {
		out = append(out, "saturating-trunc")
	}
	if f.BulkMemory {
		out = append(out, "bulk-memory")
	}
	if f.ReferenceTypes {
		out = append(out, "reference-types")
	}
	if f.MultiValue {
		out = append(out, "multi-value")
	}
	if f.Threads {
		out = append(out, "threads")
	}
	return out
}
