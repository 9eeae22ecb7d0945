package chain

import (
	"fmt"
	"strings"
)

// PromptTemplate renders a system and a human message from an Input.
// Placeholders use {key}; "{{" and "}}" render literal braces.
type PromptTemplate struct {
	System string
	Human  string
}

// Format renders both templates. A placeholder without a matching key is an error.
func (p PromptTemplate) Format(in Input) (system, human string, err error) {
	if system, err = render(p.System, in); err != nil {
		return "", "", err
	}
	if human, err = render(p.Human, in); err != nil {
		return "", "", err
	}
	return system, human, nil
}

// Variables lists the placeholder names used by the templates, in order of first use.
func (p PromptTemplate) Variables() []string {
	seen := map[string]bool{}
	var out []string
	for _, tpl := range []string{p.System, p.Human} {
		_ = walk(tpl, func(lit string) {}, func(key string) error {
			if !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
			return nil
		})
	}
	return out
}

func render(tpl string, in Input) (string, error) {
	var b strings.Builder
	err := walk(tpl, func(lit string) { b.WriteString(lit) }, func(key string) error {
		v, ok := in[key]
		if !ok {
			return fmt.Errorf("prompt: missing value for %q", key)
		}
		fmt.Fprint(&b, v)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

func walk(tpl string, lit func(string), key func(string) error) error {
	for i := 0; i < len(tpl); {
		switch c := tpl[i]; {
		case c == '{' && i+1 < len(tpl) && tpl[i+1] == '{':
			lit("{")
			i += 2
		case c == '}' && i+1 < len(tpl) && tpl[i+1] == '}':
			lit("}")
			i += 2
		case c == '{':
			end := strings.IndexByte(tpl[i+1:], '}')
			if end < 0 {
				return fmt.Errorf("prompt: unterminated placeholder at %d", i)
			}
			name := strings.TrimSpace(tpl[i+1 : i+1+end])
			if name == "" {
				return fmt.Errorf("prompt: empty placeholder at %d", i)
			}
			if err := key(name); err != nil {
				return err
			}
			i += end + 2
		default:
			j := i + 1
			for j < len(tpl) && tpl[j] != '{' && tpl[j] != '}' {
				j++
			}
			lit(tpl[i:j])
			i = j
		}
	}
	return nil
}
