package layout

// sampleLayoutJSON models a contract exercising every indexing shape: a
// preceding packed uint8, a packed struct, a basic struct, a nested
// struct, and a struct holding a mapping and a dynamic array.
const sampleLayoutJSON = `
{
  "storage": [
    {"label": "precedingValue", "offset": 0, "slot": "0", "type": "t_uint8"},
    {"label": "packedStruct", "offset": 0, "slot": "1", "type": "t_struct(PackedStruct)_storage"},
    {"label": "basicStruct", "offset": 0, "slot": "2", "type": "t_struct(BasicStruct)_storage"},
    {"label": "nestedStruct", "offset": 0, "slot": "4", "type": "t_struct(NestedStruct)_storage"},
    {"label": "dynamicStruct", "offset": 0, "slot": "7", "type": "t_struct(DynamicStruct)_storage"},
    {"label": "m", "offset": 0, "slot": "3", "type": "t_mapping(t_uint256,t_mapping(t_uint256,t_mapping(t_uint256,t_mapping(t_uint256,t_uint256))))"}
  ],
  "types": {
    "t_uint8": {"encoding": "inplace", "label": "uint8", "numberOfBytes": "1"},
    "t_uint16": {"encoding": "inplace", "label": "uint16", "numberOfBytes": "2"},
    "t_uint32": {"encoding": "inplace", "label": "uint32", "numberOfBytes": "4"},
    "t_uint256": {"encoding": "inplace", "label": "uint256", "numberOfBytes": "32"},
    "t_bool": {"encoding": "inplace", "label": "bool", "numberOfBytes": "1"},
    "t_string_storage": {"encoding": "bytes_or_string", "label": "string", "numberOfBytes": "32"},
    "t_struct(PackedStruct)_storage": {
      "encoding": "inplace", "label": "struct PackedStruct", "numberOfBytes": "32",
      "members": [
        {"label": "a", "offset": 0, "slot": "0", "type": "t_uint8"},
        {"label": "b", "offset": 1, "slot": "0", "type": "t_uint16"},
        {"label": "c", "offset": 3, "slot": "0", "type": "t_uint32"},
        {"label": "d", "offset": 7, "slot": "0", "type": "t_bool"}
      ]
    },
    "t_struct(BasicStruct)_storage": {
      "encoding": "inplace", "label": "struct BasicStruct", "numberOfBytes": "64",
      "members": [
        {"label": "id", "offset": 0, "slot": "0", "type": "t_uint256"},
        {"label": "name", "offset": 0, "slot": "1", "type": "t_string_storage"}
      ]
    },
    "t_struct(NestedStruct)_storage": {
      "encoding": "inplace", "label": "struct NestedStruct", "numberOfBytes": "96",
      "members": [
        {"label": "id", "offset": 0, "slot": "0", "type": "t_uint256"},
        {"label": "basic", "offset": 0, "slot": "1", "type": "t_struct(BasicStruct)_storage"}
      ]
    },
    "t_mapping(t_uint256,t_bool)": {
      "encoding": "mapping", "label": "mapping(uint256 => bool)", "numberOfBytes": "32",
      "key": "t_uint256", "value": "t_bool"
    },
    "t_array(t_uint256)dyn_storage": {
      "encoding": "dynamic_array", "label": "uint256[]", "numberOfBytes": "32", "base": "t_uint256"
    },
    "t_struct(DynamicStruct)_storage": {
      "encoding": "inplace", "label": "struct DynamicStruct", "numberOfBytes": "96",
      "members": [
        {"label": "id", "offset": 0, "slot": "0", "type": "t_uint256"},
        {"label": "numbers", "offset": 0, "slot": "1", "type": "t_array(t_uint256)dyn_storage"},
        {"label": "flags", "offset": 0, "slot": "2", "type": "t_mapping(t_uint256,t_bool)"}
      ]
    },
    "t_mapping(t_uint256,t_mapping(t_uint256,t_mapping(t_uint256,t_mapping(t_uint256,t_uint256))))": {
      "encoding": "mapping", "label": "mapping(uint256 => mapping(uint256 => mapping(uint256 => mapping(uint256 => uint256))))",
      "numberOfBytes": "32",
      "key": "t_uint256", "value": "t_mapping(t_uint256,t_mapping(t_uint256,t_mapping(t_uint256,t_uint256)))"
    },
    "t_mapping(t_uint256,t_mapping(t_uint256,t_mapping(t_uint256,t_uint256)))": {
      "encoding": "mapping", "label": "mapping(uint256 => mapping(uint256 => mapping(uint256 => uint256)))",
      "numberOfBytes": "32",
      "key": "t_uint256", "value": "t_mapping(t_uint256,t_mapping(t_uint256,t_uint256))"
    },
    "t_mapping(t_uint256,t_mapping(t_uint256,t_uint256))": {
      "encoding": "mapping", "label": "mapping(uint256 => mapping(uint256 => uint256))",
      "numberOfBytes": "32",
      "key": "t_uint256", "value": "t_mapping(t_uint256,t_uint256)"
    },
    "t_mapping(t_uint256,t_uint256)": {
      "encoding": "mapping", "label": "mapping(uint256 => uint256)",
      "numberOfBytes": "32",
      "key": "t_uint256", "value": "t_uint256"
    }
  }
}
`
