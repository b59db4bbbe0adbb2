package hashfunction

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/city"
	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

type HashFunctionType int

/* Pre-defined hash functions */
const (
	HashFunctionMurmur = HashFunctionType(0)
	HashFunctionCity   = HashFunctionType(1)
)

// Hash types a distribution-key column reduces to. Domain types are mapped
// to their base type and any array-typed column collapses to AnyArray
// before a value reaches this package.
type ColumnType string

const (
	ColumnTypeInteger  = ColumnType("integer")
	ColumnTypeUinteger = ColumnType("uinteger")
	ColumnTypeFloat    = ColumnType("float")
	ColumnTypeBoolean  = ColumnType("boolean")
	ColumnTypeVarchar  = ColumnType("varchar")
	ColumnTypeBpchar   = ColumnType("bpchar")
	ColumnTypeUUID     = ColumnType("uuid")
	ColumnTypeDate     = ColumnType("date")
	ColumnTypeAnyArray = ColumnType("anyarray")
)

/* Sentinel values folded into the running hash; stable across versions. */
const (
	nullVal = uint32(0xF0F0F0F1)
	nanVal  = uint32(0xE0E0E0E1)
)

var (
	errUnknownColumnType = func(ctype ColumnType) error {
		return fmt.Errorf("unknown column type '%s' for routing hash", ctype)
	}
)

func EncodeUInt64(input uint64) []byte {
	const ENCODING_BYTES_BIG = binary.MaxVarintLen64
	const ENCODING_BYTES = 8
	const BOUND = 1 << 56 /* 72057594037927936 */

	sz := ENCODING_BYTES
	if input >= BOUND {
		sz = ENCODING_BYTES_BIG
	}

	buf := make([]byte, sz)
	binary.PutUvarint(buf, input)
	return buf
}

// Canonicalize converts the string representation of a key value (as COPY
// sees it) into the byte image the routing hash is computed over. Both the
// coordinator and the workers run this exact code, which is what makes the
// hash agree bit-for-bit on both sides.
func Canonicalize(input []byte, ctype ColumnType) ([]byte, error) {
	switch ctype {
	case ColumnTypeInteger:
		n, err := strconv.ParseInt(string(input), 10, 64)
		if err != nil {
			return nil, err
		}
		return EncodeUInt64(uint64(n)), nil
	case ColumnTypeUinteger:
		n, err := strconv.ParseUint(string(input), 10, 64)
		if err != nil {
			return nil, err
		}
		return EncodeUInt64(n), nil
	case ColumnTypeFloat:
		f, err := strconv.ParseFloat(string(input), 64)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) {
			return EncodeUInt64(uint64(nanVal)), nil
		}
		return EncodeUInt64(math.Float64bits(f)), nil
	case ColumnTypeBoolean:
		switch strings.ToLower(string(input)) {
		case "t", "true", "1", "yes", "on", "y":
			return []byte{1}, nil
		case "f", "false", "0", "no", "off", "n":
			return []byte{0}, nil
		}
		return nil, fmt.Errorf("invalid input syntax for type boolean: %q", input)
	case ColumnTypeBpchar:
		/* trailing blanks are insignificant for blank-padded char */
		return bytes.TrimRight(input, " "), nil
	case ColumnTypeUUID:
		u, err := uuid.ParseBytes(input)
		if err != nil {
			return nil, err
		}
		return u[:], nil
	case ColumnTypeVarchar, ColumnTypeDate, ColumnTypeAnyArray:
		return input, nil
	default:
		return nil, errUnknownColumnType(ctype)
	}
}

/* day zero of the on-wire date representation */
var dateEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// CanonicalizeBinary converts the binary wire image of a key value into the
// same canonical byte image Canonicalize produces for its text form, so a
// row hashes to the same segment no matter which mode carried it.
func CanonicalizeBinary(input []byte, ctype ColumnType) ([]byte, error) {
	switch ctype {
	case ColumnTypeInteger:
		switch len(input) {
		case 2:
			return EncodeUInt64(uint64(int64(int16(binary.BigEndian.Uint16(input))))), nil
		case 4:
			return EncodeUInt64(uint64(int64(int32(binary.BigEndian.Uint32(input))))), nil
		case 8:
			return EncodeUInt64(binary.BigEndian.Uint64(input)), nil
		}
		return nil, fmt.Errorf("incorrect binary length %d for integer key", len(input))
	case ColumnTypeUinteger:
		switch len(input) {
		case 2:
			return EncodeUInt64(uint64(binary.BigEndian.Uint16(input))), nil
		case 4:
			return EncodeUInt64(uint64(binary.BigEndian.Uint32(input))), nil
		case 8:
			return EncodeUInt64(binary.BigEndian.Uint64(input)), nil
		}
		return nil, fmt.Errorf("incorrect binary length %d for integer key", len(input))
	case ColumnTypeFloat:
		var f float64
		switch len(input) {
		case 4:
			f = float64(math.Float32frombits(binary.BigEndian.Uint32(input)))
		case 8:
			f = math.Float64frombits(binary.BigEndian.Uint64(input))
		default:
			return nil, fmt.Errorf("incorrect binary length %d for float key", len(input))
		}
		if math.IsNaN(f) {
			return EncodeUInt64(uint64(nanVal)), nil
		}
		return EncodeUInt64(math.Float64bits(f)), nil
	case ColumnTypeBoolean:
		if len(input) != 1 {
			return nil, fmt.Errorf("incorrect binary length %d for boolean key", len(input))
		}
		if input[0] != 0 {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case ColumnTypeBpchar:
		return bytes.TrimRight(input, " "), nil
	case ColumnTypeUUID:
		if len(input) != 16 {
			return nil, fmt.Errorf("incorrect binary length %d for uuid key", len(input))
		}
		return input, nil
	case ColumnTypeDate:
		if len(input) != 4 {
			return nil, fmt.Errorf("incorrect binary length %d for date key", len(input))
		}
		days := int32(binary.BigEndian.Uint32(input))
		return []byte(dateEpoch.AddDate(0, 0, int(days)).Format("2006-01-02")), nil
	case ColumnTypeVarchar:
		return input, nil
	case ColumnTypeAnyArray:
		return nil, fmt.Errorf("array-typed distribution keys are not supported with binary input")
	default:
		return nil, errUnknownColumnType(ctype)
	}
}

// Fold mixes one canonicalized value into a running 32-bit hash.
func Fold(seed uint32, buf []byte, hf HashFunctionType) (uint32, error) {
	switch hf {
	case HashFunctionMurmur:
		return murmur3.Sum32WithSeed(buf, seed), nil
	case HashFunctionCity:
		/* city has no seeded 32-bit variant; combine boost-style */
		h := city.Hash32(buf)
		return seed ^ (h + 0x9e3779b9 + seed<<6 + seed>>2), nil
	default:
		return 0, fmt.Errorf("unknown hash function type: %d", hf)
	}
}

// FoldNull mixes the NULL sentinel into a running hash.
func FoldNull(seed uint32, hf HashFunctionType) (uint32, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], nullVal)
	return Fold(seed, buf[:], hf)
}

// HashFunctionByName returns the corresponding HashFunctionType based on the
// given hash function name.
func HashFunctionByName(hfn string) (HashFunctionType, error) {
	switch hfn {
	case "murmur", "":
		return HashFunctionMurmur, nil
	case "city":
		return HashFunctionCity, nil
	default:
		return 0, fmt.Errorf("unknown hash function type: %s", hfn)
	}
}

// ToString converts a HashFunctionType to its corresponding string
// representation.
func ToString(hf HashFunctionType) string {
	switch hf {
	case HashFunctionMurmur:
		return "murmur"
	case HashFunctionCity:
		return "city"
	}
	return ""
}
