package validation

import (
	"reflect"
	"strings"
)

// jsonName reports fields by their wire name so errors match the payload.
func jsonName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return fld.Name
	}
	return name
}
