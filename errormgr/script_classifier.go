package errormgr

import (
	"reflect"

	"github.com/d5/tengo/v2"
	"github.com/pkg/errors"
)

// ScriptClassifier evaluates a small tengo script against a raw error's
// exported fields (rendered as a tengo map bound to the `err` global) and
// expects the script to set two globals, `out_type` and `out_severity`,
// to the strings this classifier should use. This gives operators a
// runtime-configurable classification rule with no recompile, for failures
// the built-in classifiers don't already special-case.
type ScriptClassifier struct {
	source []byte
}

// NewScriptClassifier runs source once up front against an empty `err` map,
// so a script that fails to compile or to run on that map is rejected early;
// the real run happens per-call with the actual error bound.
func NewScriptClassifier(source string) (*ScriptClassifier, error) {
	sc := &ScriptClassifier{source: []byte(source)}
	if _, err := sc.run(map[string]interface{}{}); err != nil {
		return nil, errors.Wrap(err, "errormgr: compile script classifier")
	}
	return sc, nil
}

func (sc *ScriptClassifier) run(errFields map[string]interface{}) (Record, error) {
	script := tengo.NewScript(sc.source)
	if err := script.Add("err", errFields); err != nil {
		return Record{}, errors.Wrap(err, "bind err global")
	}
	if err := script.Add("out_type", ""); err != nil {
		return Record{}, errors.Wrap(err, "seed out_type global")
	}
	if err := script.Add("out_severity", ""); err != nil {
		return Record{}, errors.Wrap(err, "seed out_severity global")
	}

	compiled, err := script.Run()
	if err != nil {
		return Record{}, errors.Wrap(err, "run script")
	}

	t := compiled.Get("out_type").String()
	sev := compiled.Get("out_severity").String()
	if t == "" {
		return Record{}, errors.New("script did not set out_type")
	}
	return Record{Type: Type(t), Severity: Severity(sev), Metadata: errFields}, nil
}

// Classify implements Classifier. It recognizes any error value, rendering
// its exported struct fields (if it's a struct or pointer to one) or its
// Error() string into the `err` map the script inspects.
func (sc *ScriptClassifier) Classify(raw interface{}) (Record, bool) {
	err, ok := raw.(error)
	if !ok {
		return Record{}, false
	}
	fields := structFields(err)
	fields["message"] = err.Error()

	rec, runErr := sc.run(fields)
	if runErr != nil {
		return Record{}, false
	}
	if rec.Severity == "" {
		rec.Severity = SeverityError
	}
	return rec, true
}

// structFields reflects over v (dereferencing one pointer level) and
// collects its exported fields into a plain map tengo can bind. Non-struct
// values yield an empty map; the caller always adds "message" afterward.
func structFields(v interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return out
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return out
	}
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.PkgPath != "" {
			continue // unexported
		}
		out[f.Name] = rv.Field(i).Interface()
	}
	return out
}
