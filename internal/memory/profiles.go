package memory

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
)

// DefaultProfiles returns fresh cost models for common model families.
// Fresh instances on every call: profiles carry mutable history, so sharing
// one set across monitors would leak samples between them.
func DefaultProfiles() []*Profile {
	return []*Profile{
		NewProfile("llama2-7b", 7*gib, 50*mib, 3*kib),
		NewProfile("llama2-13b", 13*gib, 100*mib, 5*kib),
		NewProfile("llama2-70b", 35*gib, 350*mib, 18*kib),
		NewProfile("mistral-7b", 8*gib, 55*mib, 3*kib),
		NewProfile("mixtral-8x7b", 25*gib, 200*mib, 12*kib),
	}
}
