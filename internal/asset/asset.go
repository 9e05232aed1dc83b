package asset

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ID identifies an asset a pool can hold. The zero value is the native
// asset; any other value is the address of a transferable token.
type ID struct {
	addr common.Address
}

// Native is the native-asset id.
var Native = ID{}

// Token returns the id for the token at addr. The zero address maps to
// the native asset.
func Token(addr common.Address) ID {
	return ID{addr: addr}
}

// IsNative reports whether the id denotes the native asset.
func (id ID) IsNative() bool {
	return id.addr == (common.Address{})
}

// Address returns the token address; the zero address for native.
func (id ID) Address() common.Address {
	return id.addr
}

func (id ID) String() string {
	if id.IsNative() {
		return "native"
	}
	return id.addr.Hex()
}

// Parse converts the string form produced by String back into an id.
// "native" and the empty string map to the native asset.
func Parse(s string) (ID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "native":
		return Native, nil
	}
	if !common.IsHexAddress(s) {
		return ID{}, fmt.Errorf("invalid asset id %q", s)
	}
	return ID{addr: common.HexToAddress(s)}, nil
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
