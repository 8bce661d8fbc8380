package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// KeyKind identifies the scalar type of a key component.
type KeyKind byte

const (
	KindString KeyKind = 'S'
	KindNumber KeyKind = 'N'
	KindBinary KeyKind = 'B'
)

// KeyValue is a single scalar component of an EntityKey. The zero value is
// the absent component.
type KeyValue struct {
	kind KeyKind
	raw  string
}

// StringKey builds a string key component.
func StringKey(s string) KeyValue { return KeyValue{kind: KindString, raw: s} }

// BinaryKey builds a binary key component.
func BinaryKey(b []byte) KeyValue { return KeyValue{kind: KindBinary, raw: string(b)} }

// NumberKey builds a numeric key component from its decimal text. Integers and
// floats that denote the same value normalize to the same component.
func NumberKey(text string) (KeyValue, error) {
	n, err := normalizeNumber(text)
	if err != nil {
		return KeyValue{}, err
	}
	return KeyValue{kind: KindNumber, raw: n}, nil
}

// KeyValueOf converts a document attribute into a key component.
func KeyValueOf(v any) (KeyValue, error) {
	switch t := v.(type) {
	case KeyValue:
		if t.IsZero() {
			return KeyValue{}, ErrKeyNotResolvable
		}
		return t, nil
	case string:
		if t == "" {
			return KeyValue{}, ErrKeyNotResolvable
		}
		return StringKey(t), nil
	case []byte:
		if len(t) == 0 {
			return KeyValue{}, ErrKeyNotResolvable
		}
		return BinaryKey(t), nil
	case json.Number:
		return NumberKey(t.String())
	case int:
		return KeyValue{kind: KindNumber, raw: strconv.FormatInt(int64(t), 10)}, nil
	case int8:
		return KeyValue{kind: KindNumber, raw: strconv.FormatInt(int64(t), 10)}, nil
	case int16:
		return KeyValue{kind: KindNumber, raw: strconv.FormatInt(int64(t), 10)}, nil
	case int32:
		return KeyValue{kind: KindNumber, raw: strconv.FormatInt(int64(t), 10)}, nil
	case int64:
		return KeyValue{kind: KindNumber, raw: strconv.FormatInt(t, 10)}, nil
	case uint:
		return KeyValue{kind: KindNumber, raw: strconv.FormatUint(uint64(t), 10)}, nil
	case uint8:
		return KeyValue{kind: KindNumber, raw: strconv.FormatUint(uint64(t), 10)}, nil
	case uint16:
		return KeyValue{kind: KindNumber, raw: strconv.FormatUint(uint64(t), 10)}, nil
	case uint32:
		return KeyValue{kind: KindNumber, raw: strconv.FormatUint(uint64(t), 10)}, nil
	case uint64:
		return KeyValue{kind: KindNumber, raw: strconv.FormatUint(t, 10)}, nil
	case float32:
		return NumberKey(strconv.FormatFloat(float64(t), 'g', -1, 32))
	case float64:
		return NumberKey(strconv.FormatFloat(t, 'g', -1, 64))
	case nil:
		return KeyValue{}, ErrKeyNotResolvable
	default:
		return KeyValue{}, fmt.Errorf("%w: unsupported key type %T", ErrKeyNotResolvable, v)
	}
}

// maxNumberExponent bounds exponents accepted in numeric key text. It covers
// every float64, including subnormals written in hexadecimal form.
const maxNumberExponent = 1100

// normalizeNumber renders text as an exact decimal with no exponent and no
// trailing zeros, so two numbers normalize equally only when they are equal.
func normalizeNumber(text string) (string, error) {
	text = strings.TrimSpace(text)
	invalid := fmt.Errorf("%w: invalid number %q", ErrKeyNotResolvable, text)
	if text == "" || strings.Contains(text, "/") || exponentOutOfRange(text) {
		return "", invalid
	}
	r, ok := new(big.Rat).SetString(text)
	if !ok {
		return "", invalid
	}
	if r.IsInt() {
		return r.Num().String(), nil
	}
	return r.FloatString(decimalPlaces(r.Denom())), nil
}

func exponentOutOfRange(text string) bool {
	lower := strings.ToLower(strings.TrimLeft(text, "+-"))
	marker := byte('e')
	if strings.HasPrefix(lower, "0x") {
		marker = 'p'
	}
	i := strings.LastIndexByte(lower, marker)
	if i < 0 {
		return false
	}
	exp, err := strconv.Atoi(lower[i+1:])
	return err != nil || exp > maxNumberExponent || exp < -maxNumberExponent
}

// decimalPlaces returns the digits needed to write 1/den exactly. den is a
// product of powers of two and five because the text it came from was finite.
func decimalPlaces(den *big.Int) int {
	d := new(big.Int).Set(den)
	twos := 0
	for d.Sign() > 0 && d.Bit(0) == 0 {
		d.Rsh(d, 1)
		twos++
	}
	fives := 0
	five := big.NewInt(5)
	q, m := new(big.Int), new(big.Int)
	for {
		q.QuoRem(d, five, m)
		if m.Sign() != 0 {
			break
		}
		d.Set(q)
		fives++
	}
	return max(twos, fives)
}

func numberRat(raw string) *big.Rat {
	r, ok := new(big.Rat).SetString(raw)
	if !ok {
		return new(big.Rat)
	}
	return r
}

// Kind returns the component kind (zero for the absent component).
func (v KeyValue) Kind() KeyKind { return v.kind }

// IsZero reports whether the component is absent.
func (v KeyValue) IsZero() bool { return v.kind == 0 }

// Value returns the component as a document attribute value.
func (v KeyValue) Value() any {
	switch v.kind {
	case KindString:
		return v.raw
	case KindNumber:
		return json.Number(v.raw)
	case KindBinary:
		return []byte(v.raw)
	default:
		return nil
	}
}

// Text returns the component's textual form: strings verbatim, numbers in
// normalized decimal, binaries base64 encoded.
func (v KeyValue) Text() string {
	if v.kind == KindBinary {
		return base64.StdEncoding.EncodeToString([]byte(v.raw))
	}
	return v.raw
}

// Compare orders two components of the same kind. Components of different
// kinds order by kind.
func (v KeyValue) Compare(o KeyValue) int {
	if v.kind != o.kind {
		return int(v.kind) - int(o.kind)
	}
	if v.kind == KindNumber {
		return numberRat(v.raw).Cmp(numberRat(o.raw))
	}
	return strings.Compare(v.raw, o.raw)
}

// String renders the component canonically, e.g. S"abc", N12, Bq83v.
func (v KeyValue) String() string {
	switch v.kind {
	case KindString:
		return "S" + strconv.Quote(v.raw)
	case KindNumber:
		return "N" + v.raw
	case KindBinary:
		return "B" + base64.RawURLEncoding.EncodeToString([]byte(v.raw))
	default:
		return "-"
	}
}

// EntityKey is the immutable identity of a tracked entity: a hash component
// and an optional range component. It is comparable and can key Go maps.
type EntityKey struct {
	hash KeyValue
	rng  KeyValue
}

// NewEntityKey builds a key with only a hash component.
func NewEntityKey(hash KeyValue) EntityKey { return EntityKey{hash: hash} }

// NewCompositeKey builds a key with hash and range components.
func NewCompositeKey(hash, rng KeyValue) EntityKey { return EntityKey{hash: hash, rng: rng} }

// Hash returns the hash component.
func (k EntityKey) Hash() KeyValue { return k.hash }

// Range returns the range component (zero when absent).
func (k EntityKey) Range() KeyValue { return k.rng }

// HasRange reports whether the key carries a range component.
func (k EntityKey) HasRange() bool { return !k.rng.IsZero() }

// IsZero reports whether the key is unset.
func (k EntityKey) IsZero() bool { return k.hash.IsZero() }

// Compare orders keys by hash, then range.
func (k EntityKey) Compare(o EntityKey) int {
	if c := k.hash.Compare(o.hash); c != 0 {
		return c
	}
	return k.rng.Compare(o.rng)
}

// String renders the key canonically; distinct keys never share a rendering.
func (k EntityKey) String() string {
	if !k.HasRange() {
		return k.hash.String()
	}
	return k.hash.String() + "|" + k.rng.String()
}

// KeySchema names the key attributes of a table.
type KeySchema struct {
	HashKey  string `yaml:"hash_key" json:"hash_key"`
	RangeKey string `yaml:"range_key,omitempty" json:"range_key,omitempty"`
}

// KeyNames returns the key attribute names in order.
func (s KeySchema) KeyNames() []string {
	if s.RangeKey == "" {
		return []string{s.HashKey}
	}
	return []string{s.HashKey, s.RangeKey}
}

// KeyOf resolves the key of a document.
func (s KeySchema) KeyOf(doc Document) (EntityKey, error) {
	if s.HashKey == "" {
		return EntityKey{}, fmt.Errorf("%w: schema has no hash key", ErrKeyNotResolvable)
	}
	if doc == nil {
		return EntityKey{}, ErrKeyNotResolvable
	}
	hash, err := KeyValueOf(doc[s.HashKey])
	if err != nil {
		return EntityKey{}, fmt.Errorf("hash key %s: %w", s.HashKey, err)
	}
	if s.RangeKey == "" {
		return NewEntityKey(hash), nil
	}
	rng, err := KeyValueOf(doc[s.RangeKey])
	if err != nil {
		return EntityKey{}, fmt.Errorf("range key %s: %w", s.RangeKey, err)
	}
	return NewCompositeKey(hash, rng), nil
}

// KeyFromValues builds a key from positional values matching KeyNames.
func (s KeySchema) KeyFromValues(values ...any) (EntityKey, error) {
	names := s.KeyNames()
	if len(values) != len(names) {
		return EntityKey{}, fmt.Errorf("schema has %d key fields, but %d key values were provided", len(names), len(values))
	}
	doc := make(Document, len(values))
	for i, name := range names {
		doc[name] = values[i]
	}
	return s.KeyOf(doc)
}

// KeyDocument returns the key-only document representation of key, used for
// store deletes.
func (s KeySchema) KeyDocument(key EntityKey) Document {
	doc := Document{s.HashKey: key.hash.Value()}
	if s.RangeKey != "" && key.HasRange() {
		doc[s.RangeKey] = key.rng.Value()
	}
	return doc
}

// MarshalText implements encoding.TextMarshaler using the canonical form.
func (v KeyValue) MarshalText() ([]byte, error) {
	if v.IsZero() {
		return nil, fmt.Errorf("marshal key value: %w", ErrKeyNotResolvable)
	}
	return []byte(v.String()), nil
}

// UnmarshalText parses the canonical form produced by String.
func (v *KeyValue) UnmarshalText(text []byte) error {
	parsed, err := ParseKeyValue(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseKeyValue parses the canonical form produced by KeyValue.String.
func ParseKeyValue(s string) (KeyValue, error) {
	if len(s) < 2 {
		return KeyValue{}, fmt.Errorf("parse key value %q: too short", s)
	}
	body := s[1:]
	switch KeyKind(s[0]) {
	case KindString:
		str, err := strconv.Unquote(body)
		if err != nil {
			return KeyValue{}, fmt.Errorf("parse key value %q: %w", s, err)
		}
		return StringKey(str), nil
	case KindNumber:
		return NumberKey(body)
	case KindBinary:
		b, err := base64.RawURLEncoding.DecodeString(body)
		if err != nil {
			return KeyValue{}, fmt.Errorf("parse key value %q: %w", s, err)
		}
		return BinaryKey(b), nil
	default:
		return KeyValue{}, fmt.Errorf("parse key value %q: unknown kind", s)
	}
}
