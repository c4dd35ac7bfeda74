// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package credential

import (
	"encoding/json"
	"fmt"
)

// wireCredential is the tagged JSON form shared by all variants. Secrets are
// part of the wire form; callers decide where it is allowed to travel.
type wireCredential struct {
	Type            Type                       `json:"type"`
	Username        string                     `json:"username,omitempty"`
	Password        string                     `json:"password,omitempty"`
	CertificateFile string                     `json:"certificateFile,omitempty"`
	Passphrase      string                     `json:"passphrase,omitempty"`
	Principal       string                     `json:"principal,omitempty"`
	KeytabFile      string                     `json:"keytabFile,omitempty"`
	Entries         map[string]json.RawMessage `json:"entries,omitempty"`
	Fallback        json.RawMessage            `json:"fallback,omitempty"`
}

func (c Default) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireCredential{Type: TypeDefault, Username: c.Username})
}

func (c Password) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireCredential{Type: TypePassword, Username: c.Username, Password: c.Password})
}

func (c Certificate) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireCredential{
		Type:            TypeCertificate,
		Username:        c.Username,
		CertificateFile: c.CertificateFile,
		Passphrase:      c.Passphrase,
	})
}

func (c Keytab) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireCredential{Type: TypeKeytab, Principal: c.Principal, KeytabFile: c.KeytabFile})
}

func (c Map) MarshalJSON() ([]byte, error) {
	w := wireCredential{Type: TypeMap, Entries: make(map[string]json.RawMessage, len(c.Entries))}
	for loc, entry := range c.Entries {
		if _, nested := entry.(Map); nested {
			return nil, fmt.Errorf("credential map entry %q: maps cannot be nested", loc)
		}
		b, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("credential map entry %q: %w", loc, err)
		}
		w.Entries[loc] = b
	}
	if c.Fallback != nil {
		b, err := json.Marshal(c.Fallback)
		if err != nil {
			return nil, fmt.Errorf("credential map fallback: %w", err)
		}
		w.Fallback = b
	}
	return json.Marshal(w)
}

// Unmarshal decodes the tagged JSON form produced by MarshalJSON.
func Unmarshal(data []byte) (Credential, error) {
	var w wireCredential
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("invalid credential: %w", err)
	}
	switch w.Type {
	case TypeDefault, "":
		return Default{Username: w.Username}, nil
	case TypePassword:
		return Password{Username: w.Username, Password: w.Password}, nil
	case TypeCertificate:
		if w.CertificateFile == "" {
			return nil, fmt.Errorf("certificate credential missing 'certificateFile'")
		}
		return Certificate{Username: w.Username, CertificateFile: w.CertificateFile, Passphrase: w.Passphrase}, nil
	case TypeKeytab:
		return Keytab{Principal: w.Principal, KeytabFile: w.KeytabFile}, nil
	case TypeMap:
		m := Map{Entries: make(map[string]Credential, len(w.Entries))}
		for loc, raw := range w.Entries {
			entry, err := Unmarshal(raw)
			if err != nil {
				return nil, fmt.Errorf("credential map entry %q: %w", loc, err)
			}
			if _, nested := entry.(Map); nested {
				return nil, fmt.Errorf("credential map entry %q: maps cannot be nested", loc)
			}
			m.Entries[loc] = entry
		}
		if len(w.Fallback) > 0 {
			fb, err := Unmarshal(w.Fallback)
			if err != nil {
				return nil, fmt.Errorf("credential map fallback: %w", err)
			}
			m.Fallback = fb
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown credential type %q", w.Type)
}
