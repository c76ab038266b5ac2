package classifier

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// TransferMap declares which source parameters are copied into which target
// parameters. Names are either full parameter names ("hidden.weight") or
// layer names ("hidden"), which expand to every parameter of the layer.
type TransferMap map[string][]string

type copyPair struct {
	src, dst *Param
}

// Transfer copies weights from src into dst as declared by m. Every name and
// shape is checked before anything is copied, so a failed transfer leaves dst
// untouched.
func Transfer(src, dst Classifier, m TransferMap) error {
	sources := make([]string, 0, len(m))
	for name := range m {
		sources = append(sources, name)
	}
	sort.Strings(sources)

	var pairs []copyPair
	for _, from := range sources {
		srcParams, err := resolve(src, from)
		if err != nil {
			return fmt.Errorf("transfer source: %w", err)
		}
		if len(m[from]) == 0 {
			return fmt.Errorf("transfer source %q has no targets", from)
		}
		for _, to := range m[from] {
			dstParams, err := resolve(dst, to)
			if err != nil {
				return fmt.Errorf("transfer target: %w", err)
			}
			if len(srcParams) != len(dstParams) {
				return fmt.Errorf("%q has %d parameters, %q has %d: %w", from, len(srcParams), to, len(dstParams), ErrShapeMismatch)
			}
			for i := range srcParams {
				s, d := srcParams[i], dstParams[i]
				if suffix(s.Name) != suffix(d.Name) {
					return fmt.Errorf("cannot copy %s into %s: %w", s.Name, d.Name, ErrShapeMismatch)
				}
				sr, sc := s.Value.Dims()
				dr, dc := d.Value.Dims()
				if sr != dr || sc != dc {
					return fmt.Errorf("%s is %dx%d, %s is %dx%d: %w", s.Name, sr, sc, d.Name, dr, dc, ErrShapeMismatch)
				}
				pairs = append(pairs, copyPair{src: s, dst: d})
			}
		}
	}

	for _, p := range pairs {
		p.dst.Value.Copy(p.src.Value)
	}
	return nil
}

// Freeze marks the named parameters or layers as excluded from optimizer
// updates.
func Freeze(c Classifier, names []string) error {
	var frozen []*Param
	for _, name := range names {
		ps, err := resolve(c, name)
		if err != nil {
			return fmt.Errorf("freeze: %w", err)
		}
		frozen = append(frozen, ps...)
	}
	for _, p := range frozen {
		p.Frozen = true
	}
	return nil
}

// resolve expands a parameter or layer name into parameters, in model order.
func resolve(c Classifier, name string) ([]*Param, error) {
	var out []*Param
	for _, p := range c.Params() {
		if p.Name == name {
			return []*Param{p}, nil
		}
		if strings.HasPrefix(p.Name, name+".") {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownParam)
	}
	return out, nil
}

func suffix(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// Equal reports whether two models hold identical parameter values.
func Equal(a, b Classifier) bool {
	pa, pb := a.Params(), b.Params()
	if len(pa) != len(pb) {
		return false
	}
	for i := range pa {
		if pa[i].Name != pb[i].Name || !mat.Equal(pa[i].Value, pb[i].Value) {
			return false
		}
	}
	return true
}
