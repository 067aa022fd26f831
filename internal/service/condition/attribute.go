package condition

import (
	"fmt"
	"slices"
	"strings"

	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/errors"
)

// TypeAttribute is the discriminator for Attribute.
const TypeAttribute = "attribute"

const (
	sourceAttributes = "attributes"
	sourceContext    = "context"
)

// Attribute holds when a principal attribute or additional fact equals one
// of the allowed values. Non-string facts are compared by their fmt form.
type Attribute struct {
	key    string
	values []string
	source string
}

func newAttribute(params Params, _ Options) (Condition, error) {
	key, err := params.String("key")
	if err != nil {
		return nil, err
	}
	var values []string
	if _, ok := params["values"]; ok {
		values, err = params.Strings("values")
	} else {
		values, err = params.Strings("value")
	}
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: attribute needs at least one value", errors.ErrInvalidCondition)
	}
	source, err := params.OptionalString("source", sourceAttributes)
	if err != nil {
		return nil, err
	}
	if source != sourceAttributes && source != sourceContext {
		return nil, fmt.Errorf("%w: unknown attribute source %q", errors.ErrInvalidCondition, source)
	}
	return &Attribute{key: key, values: values, source: source}, nil
}

// Evaluate implements Condition.
func (c *Attribute) Evaluate(actx *domain.AuthorizationContext) (bool, error) {
	var got string
	if c.source == sourceContext {
		v, ok := actx.Fact(c.key)
		if !ok || v == nil {
			return false, nil
		}
		got = fmt.Sprint(v)
	} else {
		v, ok := actx.Attribute(c.key)
		if !ok {
			return false, nil
		}
		got = v
	}
	return slices.Contains(c.values, domain.Wildcard) || slices.Contains(c.values, got), nil
}

// Describe implements Condition.
func (c *Attribute) Describe() string {
	return fmt.Sprintf("%s.%s in [%s]", c.source, c.key, strings.Join(c.values, ", "))
}
