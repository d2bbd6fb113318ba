package evaluation

// Fields selects which properties the host computes for a described value.
// Name, expression and type are always present.
type Fields int

const (
	FieldClasses Fields = 1 << iota
	FieldLength
	FieldSlotCount
	FieldAttributeCount
	FieldNameCount
	FieldDimensions
	FieldDeparse
	FieldStr
	FieldToString
	FieldFlags

	// FieldsTree is what a variable tree needs to render a node and decide
	// whether it can be expanded.
	FieldsTree = FieldClasses | FieldLength | FieldSlotCount | FieldAttributeCount |
		FieldNameCount | FieldDimensions | FieldFlags | FieldToString

	FieldsAll = FieldsTree | FieldDeparse | FieldStr
)

var fieldNames = []struct {
	field Fields
	name  string
}{
	{FieldClasses, "classes"},
	{FieldLength, "length"},
	{FieldSlotCount, "slot_count"},
	{FieldAttributeCount, "attribute_count"},
	{FieldNameCount, "name_count"},
	{FieldDimensions, "dimensions"},
	{FieldDeparse, "deparse"},
	{FieldStr, "str"},
	{FieldToString, "to_string"},
	{FieldFlags, "flags"},
}

// Names returns the helper field names for f in a stable order.
func (f Fields) Names() []string {
	names := make([]string, 0, len(fieldNames))
	for _, fn := range fieldNames {
		if f&fn.field != 0 {
			names = append(names, fn.name)
		}
	}
	return names
}
