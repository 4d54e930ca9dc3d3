package tgdh

import (
	"bytes"
	cryptorand "crypto/rand"
	"encoding/asn1"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
)

type KeyEncoding int

const (
	EncodingUnknown KeyEncoding = iota
	EncodingDER
	EncodingPEM
)

const (
	ParamsPEMTypeString     = "TGDH PARAMETERS"
	PrivateKeyPEMTypeString = "TGDH PRIVATE KEY"
)

const (
	PublicFileMode     = 0440
	PrivateKeyFileMode = 0400
)

// StringToKeyEncoding converts a string version of key format ("der",
// "pem") to a [KeyEncoding].  It returns an error if keyform is invalid.
func StringToKeyEncoding(keyform string) (KeyEncoding, error) {
	keyform = strings.ToLower(keyform)
	switch keyform {
	case "der":
		return EncodingDER, nil
	case "pem":
		return EncodingPEM, nil
	default:
		return EncodingUnknown, fmt.Errorf("unknown key encoding %q", keyform)
	}
}

//////////////////////////////////////////////////////////////////////////////
// GROUP PARAMETERS
//////////////////////////////////////////////////////////////////////////////

// rfc3526Group14 is the 2048-bit MODP group from RFC 3526, section 3.
const rfc3526Group14 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

// Params are the Diffie-Hellman domain parameters shared by every member
// of a group: the prime modulus P and the generator G.
type Params struct {
	P *big.Int `json:"p"`
	G *big.Int `json:"g"`
}

// DefaultParams returns the RFC 3526 2048-bit MODP group with generator 2.
func DefaultParams() Params {
	p, _ := new(big.Int).SetString(rfc3526Group14, 16)
	return Params{P: p, G: big.NewInt(2)}
}

// NewParams validates p and g and returns them as [Params].
func NewParams(p, g *big.Int) (Params, error) {
	if p == nil || g == nil {
		return Params{}, fmt.Errorf("%w: nil group parameter", ErrInvalidState)
	}
	if p.Cmp(big.NewInt(3)) <= 0 {
		return Params{}, fmt.Errorf("%w: modulus %v too small", ErrInvalidState, p)
	}
	if g.Cmp(big.NewInt(1)) <= 0 || g.Cmp(p) >= 0 {
		return Params{}, fmt.Errorf("%w: generator %v not in (1, p)", ErrInvalidState, g)
	}
	return Params{P: new(big.Int).Set(p), G: new(big.Int).Set(g)}, nil
}

// GenerateParams generates a safe prime p = 2q+1 of the given bit length and
// uses g = 4, which generates the subgroup of prime order q.
func GenerateParams(bits int, rand io.Reader) (Params, error) {
	if bits < 8 {
		return Params{}, fmt.Errorf("%w: %d-bit modulus too small", ErrInvalidState, bits)
	}
	if rand == nil {
		rand = cryptorand.Reader
	}

	one := big.NewInt(1)
	for {
		q, err := cryptorand.Prime(rand, bits-1)
		if err != nil {
			return Params{}, fmt.Errorf("can't generate prime: %v", err)
		}
		p := new(big.Int).Lsh(q, 1)
		p.Add(p, one)
		if p.ProbablyPrime(20) {
			return Params{P: p, G: big.NewInt(4)}, nil
		}
	}
}

// Exp returns base^e mod P.
func (params Params) Exp(base, e *big.Int) *big.Int {
	return new(big.Int).Exp(base, e, params.P)
}

// PublicKey returns G^secret mod P.
func (params Params) PublicKey(secret *big.Int) *big.Int {
	return params.Exp(params.G, secret)
}

// Equal reports whether two parameter sets describe the same group.
func (params Params) Equal(other Params) bool {
	if params.P == nil || other.P == nil || params.G == nil || other.G == nil {
		return false
	}
	return params.P.Cmp(other.P) == 0 && params.G.Cmp(other.G) == 0
}

type paramsASN1 struct {
	P *big.Int
	G *big.Int
}

// MarshalParamsToDER marshals params as an ASN.1 SEQUENCE { prime, base }.
func MarshalParamsToDER(params Params) ([]byte, error) {
	return asn1.Marshal(paramsASN1{P: params.P, G: params.G})
}

// MarshalParamsToPEM marshals params to the PEM encoding of their DER form.
func MarshalParamsToPEM(params Params) ([]byte, error) {
	var pemBuf bytes.Buffer

	derData, err := MarshalParamsToDER(params)
	if err != nil {
		return nil, err
	}

	block := &pem.Block{
		Type:  ParamsPEMTypeString,
		Bytes: derData,
	}

	err = pem.Encode(&pemBuf, block)
	if err != nil {
		return nil, err
	}

	return pemBuf.Bytes(), nil
}

func WriteParamsToFile(params Params, path string, encoding KeyEncoding) error {
	var err error
	var encoded []byte

	switch encoding {
	case EncodingDER:
		encoded, err = MarshalParamsToDER(params)
	case EncodingPEM:
		encoded, err = MarshalParamsToPEM(params)
	default:
		err = fmt.Errorf("cannot write params to file: unrecognized encoding format %d", encoding)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(path, encoded, PublicFileMode)
}

func UnmarshalParamsFromDER(data []byte) (Params, error) {
	var raw paramsASN1
	rest, err := asn1.Unmarshal(data, &raw)
	if err != nil {
		return Params{}, fmt.Errorf("can't parse params: %v", err)
	}
	if len(rest) != 0 {
		return Params{}, errors.New("trailing data after params")
	}
	return NewParams(raw.P, raw.G)
}

func UnmarshalParamsFromPEM(data []byte) (Params, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return Params{}, errors.New("failed to decode PEM block")
	}
	if block.Type != ParamsPEMTypeString {
		return Params{}, fmt.Errorf("PEM block type is %q; expected %q",
			block.Type, ParamsPEMTypeString)
	}
	return UnmarshalParamsFromDER(block.Bytes)
}

func ReadParamsFromFile(path string, encoding KeyEncoding) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, err
	}

	switch encoding {
	case EncodingDER:
		return UnmarshalParamsFromDER(data)
	case EncodingPEM:
		return UnmarshalParamsFromPEM(data)
	default:
		return Params{}, fmt.Errorf("cannot read params from file: unrecognized encoding format %d", encoding)
	}
}

//////////////////////////////////////////////////////////////////////////////
// KEYS
//////////////////////////////////////////////////////////////////////////////

// Key is an optional scalar.  The zero value is the absent key, which marks
// a node with no live member beneath it.
type Key struct {
	v *big.Int
}

// NoKey is the absent key.
var NoKey = Key{}

// SomeKey returns a present key holding a copy of v.  A nil v yields
// [NoKey].
func SomeKey(v *big.Int) Key {
	if v == nil {
		return NoKey
	}
	return Key{v: new(big.Int).Set(v)}
}

func (k Key) IsSome() bool {
	return k.v != nil
}

// Value returns the key's scalar and whether it is present.  The returned
// value must not be modified.
func (k Key) Value() (*big.Int, bool) {
	return k.v, k.v != nil
}

func (k Key) Equal(other Key) bool {
	if k.v == nil || other.v == nil {
		return k.v == nil && other.v == nil
	}
	return k.v.Cmp(other.v) == 0
}

func (k Key) String() string {
	if k.v == nil {
		return "<none>"
	}
	return k.v.Text(16)
}

// MarshalJSON encodes a present key as a hexadecimal string and the absent
// key as null.
func (k Key) MarshalJSON() ([]byte, error) {
	if k.v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(k.v.Text(16))
}

func (k *Key) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		k.v = nil
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("key must be a hex string or null: %v", err)
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return fmt.Errorf("invalid hex key %q", s)
	}
	k.v = v
	return nil
}

// KeyPair is a Diffie-Hellman key pair with Public = G^Secret mod P.
type KeyPair struct {
	Secret *big.Int
	Public *big.Int
}

// NewKeyPair derives the key pair for a given secret.
func NewKeyPair(params Params, secret *big.Int) KeyPair {
	s := new(big.Int).Set(secret)
	return KeyPair{Secret: s, Public: params.PublicKey(s)}
}

// GenerateKeyPair samples a secret uniformly from [2, P-2].  A nil rand
// uses crypto/rand.
func GenerateKeyPair(params Params, rand io.Reader) (KeyPair, error) {
	if rand == nil {
		rand = cryptorand.Reader
	}

	bound := new(big.Int).Sub(params.P, big.NewInt(3))
	if bound.Sign() <= 0 {
		return KeyPair{}, fmt.Errorf("%w: modulus %v too small", ErrInvalidState, params.P)
	}

	secret, err := cryptorand.Int(rand, bound)
	if err != nil {
		return KeyPair{}, fmt.Errorf("can't sample secret: %v", err)
	}
	secret.Add(secret, big.NewInt(2))

	return NewKeyPair(params, secret), nil
}

// IsZero reports whether the key pair is unset.
func (kp KeyPair) IsZero() bool {
	return kp.Secret == nil
}

func (kp KeyPair) secretKey() Key {
	return SomeKey(kp.Secret)
}

func (kp KeyPair) publicKey() Key {
	return SomeKey(kp.Public)
}

// MarshalPrivateKeyToPEM marshals a key pair's secret as a PEM-encoded
// ASN.1 INTEGER.
func MarshalPrivateKeyToPEM(kp KeyPair) ([]byte, error) {
	var pemBuf bytes.Buffer

	if kp.IsZero() {
		return nil, fmt.Errorf("%w: empty key pair", ErrInvalidState)
	}

	derData, err := asn1.Marshal(kp.Secret)
	if err != nil {
		return nil, err
	}

	block := &pem.Block{
		Type:  PrivateKeyPEMTypeString,
		Bytes: derData,
	}

	err = pem.Encode(&pemBuf, block)
	if err != nil {
		return nil, err
	}

	return pemBuf.Bytes(), nil
}

func UnmarshalPrivateKeyFromPEM(params Params, data []byte) (KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return KeyPair{}, errors.New("failed to decode PEM block")
	}
	if block.Type != PrivateKeyPEMTypeString {
		return KeyPair{}, fmt.Errorf("PEM block type is %q; expected %q",
			block.Type, PrivateKeyPEMTypeString)
	}

	secret := new(big.Int)
	if _, err := asn1.Unmarshal(block.Bytes, &secret); err != nil {
		return KeyPair{}, fmt.Errorf("can't parse private key: %v", err)
	}

	return NewKeyPair(params, secret), nil
}

func WritePrivateKeyToFile(kp KeyPair, path string) error {
	encoded, err := MarshalPrivateKeyToPEM(kp)
	if err != nil {
		return err
	}
	return os.WriteFile(path, encoded, PrivateKeyFileMode)
}
