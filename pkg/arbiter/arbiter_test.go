package arbiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/suit-platform/pkg/suiterr"
)

func TestStaticCheck(t *testing.T) {
	s := NewStatic(
		Grant{Owner: Application, Address: 0x1000, Size: 0x1000, Permissions: PermRead | PermWrite | PermSecure, Type: MemFixed},
		Grant{Owner: RadioCore, Address: 0x4000, Size: 0x800, Permissions: PermRead, Type: MemReserved},
	)

	tests := []struct {
		name string
		p    AccessParams
		ok   bool
	}{
		{"app owns range", AccessParams{Application, 0x1100, 0x100, PermRead | PermSecure, MemReserved | MemFixed}, true},
		{"range overflows grant", AccessParams{Application, 0x1F00, 0x200, PermRead, MemFixed}, false},
		{"wrong owner", AccessParams{RadioCore, 0x1100, 0x100, PermRead, MemFixed}, false},
		{"missing permission", AccessParams{RadioCore, 0x4000, 0x100, PermRead | PermSecure, MemReserved}, false},
		{"radio read", AccessParams{RadioCore, 0x4000, 0x800, PermRead, MemReserved}, true},
		{"type not allowed", AccessParams{RadioCore, 0x4000, 0x800, PermRead, MemFixed}, false},
		{"any type", AccessParams{RadioCore, 0x4000, 0x800, PermRead, 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Check(tt.p)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, suiterr.ErrAuth)
			}
		})
	}

	assert.ErrorIs(t, s.Check(AccessParams{Owner: Application, Address: 0x1000}), suiterr.ErrInval)
	assert.ErrorIs(t, DenyAll{}.Check(AccessParams{Owner: Application, Address: 0x1000, Size: 1}), suiterr.ErrAuth)
}

func TestParsers(t *testing.T) {
	o, err := ParseOwner("Radio")
	require.NoError(t, err)
	assert.Equal(t, RadioCore, o)
	_, err = ParseOwner("gpu")
	assert.Error(t, err)

	p, err := ParsePermissions("rs")
	require.NoError(t, err)
	assert.Equal(t, PermRead|PermSecure, p)
	_, err = ParsePermissions("rq")
	assert.Error(t, err)

	mt, err := ParseMemTypes([]string{"reserved", "FIXED"})
	require.NoError(t, err)
	assert.Equal(t, MemReserved|MemFixed, mt)
	_, err = ParseMemTypes([]string{"shared"})
	assert.Error(t, err)
}
