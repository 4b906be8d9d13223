package dataset

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Feature is one entry of a tf.train.Example. Exactly one list is normally set.
type Feature struct {
	Bytes  [][]byte
	Floats []float32
	Int64s []int64
}

// Example is a decoded tf.train.Example: feature name to value.
type Example map[string]Feature

// Field numbers of the tf.train.Example protos.
const (
	exampleFeatures  protowire.Number = 1 // Example.features
	featuresFeature  protowire.Number = 1 // Features.feature (map)
	mapKey           protowire.Number = 1
	mapValue         protowire.Number = 2
	featureBytesList protowire.Number = 1
	featureFloatList protowire.Number = 2
	featureInt64List protowire.Number = 3
	listValue        protowire.Number = 1
)

// Marshal encodes e in wire format with features in name order.
func (e Example) Marshal() []byte {
	names := make([]string, 0, len(e))
	for name := range e {
		names = append(names, name)
	}
	sort.Strings(names)

	var features []byte
	for _, name := range names {
		var entry []byte
		entry = protowire.AppendTag(entry, mapKey, protowire.BytesType)
		entry = protowire.AppendString(entry, name)
		entry = protowire.AppendTag(entry, mapValue, protowire.BytesType)
		entry = protowire.AppendBytes(entry, e[name].marshal())

		features = protowire.AppendTag(features, featuresFeature, protowire.BytesType)
		features = protowire.AppendBytes(features, entry)
	}
	var out []byte
	out = protowire.AppendTag(out, exampleFeatures, protowire.BytesType)
	return protowire.AppendBytes(out, features)
}

func (f Feature) marshal() []byte {
	var list []byte
	var field protowire.Number
	switch {
	case f.Bytes != nil:
		field = featureBytesList
		for _, b := range f.Bytes {
			list = protowire.AppendTag(list, listValue, protowire.BytesType)
			list = protowire.AppendBytes(list, b)
		}
	case f.Floats != nil:
		field = featureFloatList
		packed := make([]byte, 0, 4*len(f.Floats))
		for _, v := range f.Floats {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		list = protowire.AppendTag(list, listValue, protowire.BytesType)
		list = protowire.AppendBytes(list, packed)
	default:
		field = featureInt64List
		var packed []byte
		for _, v := range f.Int64s {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		list = protowire.AppendTag(list, listValue, protowire.BytesType)
		list = protowire.AppendBytes(list, packed)
	}
	var out []byte
	out = protowire.AppendTag(out, field, protowire.BytesType)
	return protowire.AppendBytes(out, list)
}

// UnmarshalExample decodes a serialized tf.train.Example, skipping unknown fields.
func UnmarshalExample(b []byte) (Example, error) {
	e := Example{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != exampleFeatures || typ != protowire.BytesType {
			return nil
		}
		return eachField(v, func(num protowire.Number, typ protowire.Type, entry []byte) error {
			if num != featuresFeature || typ != protowire.BytesType {
				return nil
			}
			var (
				name string
				feat Feature
			)
			err := eachField(entry, func(num protowire.Number, typ protowire.Type, v []byte) error {
				switch {
				case num == mapKey && typ == protowire.BytesType:
					name = string(v)
				case num == mapValue && typ == protowire.BytesType:
					var err error
					feat, err = unmarshalFeature(v)
					return err
				}
				return nil
			})
			if err != nil {
				return err
			}
			e[name] = feat
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode example")
	}
	return e, nil
}

func unmarshalFeature(b []byte) (Feature, error) {
	var f Feature
	err := eachField(b, func(num protowire.Number, typ protowire.Type, list []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case featureBytesList:
			f.Bytes = [][]byte{}
			return eachField(list, func(num protowire.Number, typ protowire.Type, v []byte) error {
				if num == listValue && typ == protowire.BytesType {
					f.Bytes = append(f.Bytes, append([]byte(nil), v...))
				}
				return nil
			})
		case featureFloatList:
			f.Floats = []float32{}
			return eachField(list, func(num protowire.Number, typ protowire.Type, v []byte) error {
				if num != listValue {
					return nil
				}
				switch typ {
				case protowire.BytesType:
					if len(v)%4 != 0 {
						return errors.New("packed float list not a multiple of 4 bytes")
					}
					for i := 0; i < len(v); i += 4 {
						f.Floats = append(f.Floats, math.Float32frombits(binary.LittleEndian.Uint32(v[i:])))
					}
				case protowire.Fixed32Type:
					f.Floats = append(f.Floats, math.Float32frombits(binary.LittleEndian.Uint32(v)))
				}
				return nil
			})
		case featureInt64List:
			f.Int64s = []int64{}
			return eachField(list, func(num protowire.Number, typ protowire.Type, v []byte) error {
				if num != listValue {
					return nil
				}
				switch typ {
				case protowire.BytesType:
					for len(v) > 0 {
						x, n := protowire.ConsumeVarint(v)
						if n < 0 {
							return protowire.ParseError(n)
						}
						f.Int64s = append(f.Int64s, int64(x))
						v = v[n:]
					}
				case protowire.VarintType:
					x, _ := protowire.ConsumeVarint(v)
					f.Int64s = append(f.Int64s, int64(x))
				}
				return nil
			})
		}
		return nil
	})
	return f, err
}

// eachField walks the top level fields of a message. Varint values are passed as their
// encoded bytes, fixed32/fixed64 values as their little-endian bytes.
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		var v []byte
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n >= 0 {
				v = b[:n]
			}
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}
