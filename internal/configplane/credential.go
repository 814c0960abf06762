package configplane

import (
	"encoding/json"
	"fmt"
)

// CredentialLocation is a closed tagged union describing where a provider's
// secret comes from. Exactly one variant applies per provider.
type CredentialLocation interface {
	isCredentialLocation()
	Kind() string
}

// StaticSecret embeds the secret value directly in the model entry (it may
// arrive RSA-encrypted; see crypto.go's decryptSecrets).
type StaticSecret struct {
	Secret string `json:"secret"`
}

// DynamicLookup resolves the secret from the Credential Store (C2) at
// dispatch time, keyed by the owning model id.
type DynamicLookup struct {
	LookupName string `json:"lookup_name"`
}

// EnvVar resolves the secret from a process environment variable.
type EnvVar struct {
	VarName string `json:"var_name"`
}

// FileRef resolves the secret by reading a file path at dispatch time.
type FileRef struct {
	Path string `json:"path"`
}

// NoCredential is the zero-value variant: the provider requires no secret.
type NoCredential struct{}

func (StaticSecret) isCredentialLocation()  {}
func (DynamicLookup) isCredentialLocation() {}
func (EnvVar) isCredentialLocation()        {}
func (FileRef) isCredentialLocation()       {}
func (NoCredential) isCredentialLocation()  {}

func (StaticSecret) Kind() string  { return "static" }
func (DynamicLookup) Kind() string { return "dynamic" }
func (EnvVar) Kind() string        { return "env" }
func (FileRef) Kind() string       { return "file" }
func (NoCredential) Kind() string  { return "none" }

type credentialWire struct {
	Kind       string `json:"kind"`
	Secret     string `json:"secret,omitempty"`
	LookupName string `json:"lookup_name,omitempty"`
	VarName    string `json:"var_name,omitempty"`
	Path       string `json:"path,omitempty"`
}

// ParseCredentialLocation decodes the tagged "credential" object. A nil or
// empty payload resolves to NoCredential.
func ParseCredentialLocation(data []byte) (CredentialLocation, error) {
	if len(data) == 0 {
		return NoCredential{}, nil
	}
	var w credentialWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("configplane: parse credential: %w", err)
	}
	switch w.Kind {
	case "", "none":
		return NoCredential{}, nil
	case "static":
		return StaticSecret{Secret: w.Secret}, nil
	case "dynamic":
		return DynamicLookup{LookupName: w.LookupName}, nil
	case "env":
		return EnvVar{VarName: w.VarName}, nil
	case "file":
		return FileRef{Path: w.Path}, nil
	default:
		return nil, fmt.Errorf("configplane: unknown credential kind %q", w.Kind)
	}
}

// marshalCredential re-serializes a CredentialLocation into its tagged wire shape.
func marshalCredential(c CredentialLocation) ([]byte, error) {
	switch v := c.(type) {
	case StaticSecret:
		return json.Marshal(credentialWire{Kind: "static", Secret: v.Secret})
	case DynamicLookup:
		return json.Marshal(credentialWire{Kind: "dynamic", LookupName: v.LookupName})
	case EnvVar:
		return json.Marshal(credentialWire{Kind: "env", VarName: v.VarName})
	case FileRef:
		return json.Marshal(credentialWire{Kind: "file", Path: v.Path})
	default:
		return json.Marshal(credentialWire{Kind: "none"})
	}
}
