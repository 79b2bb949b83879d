package docmigrate

// Document is a schema-less document: a mapping from field name to value.
// The document identifier is held by the store, not by the map.
type Document map[string]interface{}

// Clone returns a shallow copy of d. Field values are shared; operations
// only ever replace or move top level fields, so sharing them is safe.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	c := make(Document, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// Has reports whether the field is present, even when its value is nil.
func (d Document) Has(name string) bool {
	_, ok := d[name]
	return ok
}
