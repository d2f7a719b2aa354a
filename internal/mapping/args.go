package mapping

import (
	"errors"
	"fmt"
	"strings"
)

const (
	flagFrom   = "--from"
	flagTo     = "--to"
	flagPrefix = "--"
)

// Usage is printed alongside any argument error.
const Usage = `Usage:
  fwdproxy \
    --from host:port --to host:port [--header-name value ...] \
    --from host:port --to host:port [--header-name value ...]

Examples:
  fwdproxy --from localhost:1234 --to 100.11.9.50:4567 --host example.com --accept application/json
  fwdproxy --from localhost:4567 --to 100.11.9.50:8456 --authorization "Bearer token" --x-custom-header MyValue`

// ParseArgs turns repeated "--from A --to B [--name value ...]" groups into
// validated mappings. Header flags belong to the group whose --to precedes
// them and always take the next token as their value, even one that looks
// like a flag. Nothing is returned unless every group is valid.
func ParseArgs(args []string) ([]Mapping, error) {
	if len(args) == 0 {
		return nil, configError(FieldArguments, "", errors.New("no mappings given"))
	}

	var specs []Spec
	for i := 0; i < len(args); {
		if args[i] != flagFrom {
			return nil, configError(FieldArguments, args[i], fmt.Errorf("unexpected argument, expected %q", flagFrom))
		}
		if i+3 >= len(args) || args[i+1] == "" || args[i+2] != flagTo || args[i+3] == "" {
			return nil, configError(FieldArguments, strings.Join(args[i:], " "),
				fmt.Errorf("each %q must be followed by %q", flagFrom+" host:port", flagTo+" host:port"))
		}

		spec := Spec{From: args[i+1], To: args[i+3]}

		j := i + 4
		for j < len(args) && strings.HasPrefix(args[j], flagPrefix) && args[j] != flagFrom {
			flag := args[j]
			if flag == flagTo {
				return nil, configError(FieldArguments, flag, fmt.Errorf("%q given twice in one group", flagTo))
			}
			if j+1 >= len(args) {
				return nil, configError(FieldHeader, flag, errors.New("missing value for header flag"))
			}
			spec.Headers = append(spec.Headers, Header{
				Name:  strings.TrimPrefix(flag, flagPrefix),
				Value: args[j+1],
			})
			j += 2
		}

		specs = append(specs, spec)
		i = j
	}

	mappings := make([]Mapping, 0, len(specs))
	for _, spec := range specs {
		m, err := New(spec)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}

	if err := Validate(mappings); err != nil {
		return nil, configError(FieldArguments, "", err)
	}

	return mappings, nil
}
