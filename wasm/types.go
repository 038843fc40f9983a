package wasm

// ValueType describes a parameter or result type of a WebAssembly function
// signature. The byte values match the binary format value type encoding.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-valtype
type ValueType = byte

const (
	ValueTypeI32 ValueType = 0x7f
	ValueTypeI64 ValueType = 0x7e
	ValueTypeF32 ValueType = 0x7d
	ValueTypeF64 ValueType = 0x7c
)

// ValueTypeName returns the type name in the text format. Ex. "i32"
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	}
	return "unknown"
}

// RefType is the element kind of a table.
// See https://webassembly.github.io/spec/core/binary/types.html#reference-types
type RefType = byte

const (
	RefTypeFuncref   RefType = 0x70
	RefTypeExternref RefType = 0x6f
)

// RefTypeName returns the name of the element kind in the text format.
func RefTypeName(t RefType) string {
	switch t {
	case RefTypeFuncref:
		return "funcref"
	case RefTypeExternref:
		return "externref"
	}
	return "unknown"
}

// FunctionType is a possibly empty function signature.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#function-types%E2%91%A0
type FunctionType struct {
	// Params are the possibly empty sequence of value types accepted by a
	// function with this signature.
	Params []ValueType

	// Results are the possibly empty sequence of value types returned by a
	// function with this signature.
	Results []ValueType

	// string is cached as it is used both for String and key
	string string
}

// String implements fmt.Stringer.
func (t *FunctionType) String() string {
	return t.key()
}

// key gets or generates the key used to canonicalize this type in a
// SignatureRegistry. Ex. "i32_v" for one i32 parameter and no results.
func (t *FunctionType) key() string {
	if t.string != "" {
		return t.string
	}
	var ret string
	for _, b := range t.Params {
		ret += ValueTypeName(b)
	}
	if len(t.Params) == 0 {
		ret += "v"
	}
	ret += "_"
	for _, b := range t.Results {
		ret += ValueTypeName(b)
	}
	if len(t.Results) == 0 {
		ret += "v"
	}
	t.string = ret
	return ret
}

// EqualsSignature returns true if the function type has the same parameters
// and results.
func (t *FunctionType) EqualsSignature(params []ValueType, results []ValueType) bool {
	return bytesEqual(t.Params, params) && bytesEqual(t.Results, results)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
