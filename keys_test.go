package tgdh_test

import (
	"encoding/json"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/syslab-wm/tgdh"
)

func smallParams(t testing.TB) tgdh.Params {
	params, err := tgdh.NewParams(big.NewInt(23), big.NewInt(5))
	require.NoError(t, err)
	return params
}

func TestDHCombinationIsSymmetric(t *testing.T) {
	params := smallParams(t)

	for a := int64(2); a <= 21; a++ {
		for b := int64(2); b <= 21; b++ {
			ga := params.PublicKey(big.NewInt(a))
			gb := params.PublicKey(big.NewInt(b))

			ab := params.Exp(gb, big.NewInt(a))
			ba := params.Exp(ga, big.NewInt(b))
			require.Zero(t, ab.Cmp(ba), "a=%d b=%d", a, b)

			want := params.Exp(params.G, big.NewInt(a*b))
			require.Zero(t, ab.Cmp(want), "a=%d b=%d", a, b)
		}
	}
}

func TestNewParamsRejectsBadGroups(t *testing.T) {
	tests := []struct {
		name string
		p, g int64
	}{
		{"tiny modulus", 3, 2},
		{"generator one", 23, 1},
		{"generator equals modulus", 23, 23},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tgdh.NewParams(big.NewInt(tt.p), big.NewInt(tt.g))
			require.ErrorIs(t, err, tgdh.ErrInvalidState)
		})
	}
}

func TestParamsPEMRoundTrip(t *testing.T) {
	params := tgdh.DefaultParams()
	require.Equal(t, 2048, params.P.BitLen())

	data, err := tgdh.MarshalParamsToPEM(params)
	require.NoError(t, err)
	require.Contains(t, string(data), tgdh.ParamsPEMTypeString)

	got, err := tgdh.UnmarshalParamsFromPEM(data)
	require.NoError(t, err)
	require.True(t, params.Equal(got))
}

func TestParamsFileRoundTrip(t *testing.T) {
	params := smallParams(t)
	dir := t.TempDir()

	for _, enc := range []tgdh.KeyEncoding{tgdh.EncodingDER, tgdh.EncodingPEM} {
		path := filepath.Join(dir, fmt.Sprintf("params-%d", enc))
		require.NoError(t, tgdh.WriteParamsToFile(params, path, enc))

		got, err := tgdh.ReadParamsFromFile(path, enc)
		require.NoError(t, err)
		require.True(t, params.Equal(got))
	}
}

func TestGenerateParamsSmall(t *testing.T) {
	params, err := tgdh.GenerateParams(64, nil)
	require.NoError(t, err)
	require.Equal(t, 64, params.P.BitLen())
	require.True(t, params.P.ProbablyPrime(20))

	q := new(big.Int).Rsh(params.P, 1)
	require.True(t, q.ProbablyPrime(20))
}

func TestGenerateKeyPairRange(t *testing.T) {
	params := smallParams(t)

	for i := 0; i < 200; i++ {
		kp, err := tgdh.GenerateKeyPair(params, nil)
		require.NoError(t, err)
		require.GreaterOrEqual(t, kp.Secret.Int64(), int64(2))
		require.LessOrEqual(t, kp.Secret.Int64(), int64(21))
		require.Zero(t, kp.Public.Cmp(params.PublicKey(kp.Secret)))
	}
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	params := tgdh.DefaultParams()
	kp, err := tgdh.GenerateKeyPair(params, nil)
	require.NoError(t, err)

	data, err := tgdh.MarshalPrivateKeyToPEM(kp)
	require.NoError(t, err)

	got, err := tgdh.UnmarshalPrivateKeyFromPEM(params, data)
	require.NoError(t, err)
	require.Zero(t, kp.Secret.Cmp(got.Secret))
	require.Zero(t, kp.Public.Cmp(got.Public))

	_, err = tgdh.MarshalPrivateKeyToPEM(tgdh.KeyPair{})
	require.ErrorIs(t, err, tgdh.ErrInvalidState)
}

func TestKeyJSON(t *testing.T) {
	type wrapper struct {
		A tgdh.Key `json:"a"`
		B tgdh.Key `json:"b"`
	}

	in := wrapper{A: tgdh.SomeKey(big.NewInt(255)), B: tgdh.NoKey}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":"ff","b":null}`, string(data))

	var out wrapper
	require.NoError(t, json.Unmarshal(data, &out))
	require.True(t, in.A.Equal(out.A))
	require.False(t, out.B.IsSome())

	require.Error(t, json.Unmarshal([]byte(`{"a":"zz"}`), &out))
}

func TestDeriveGroupKey(t *testing.T) {
	k1, err := tgdh.DeriveGroupKey(big.NewInt(12345), []byte("level 1"))
	require.NoError(t, err)
	require.Len(t, k1, tgdh.GroupKeySize)

	k2, err := tgdh.DeriveGroupKey(big.NewInt(12345), []byte("level 2"))
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)

	k3, err := tgdh.DeriveGroupKey(big.NewInt(12345), []byte("level 1"))
	require.NoError(t, err)
	require.Equal(t, k1, k3)

	_, err = tgdh.DeriveGroupKey(nil, nil)
	require.ErrorIs(t, err, tgdh.ErrInvalidState)
}
