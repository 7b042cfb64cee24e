package proxy

import (
	"bytes"
	"fmt"
	"go/format"
	"go/types"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"unicode"
	"unicode/utf8"

	"go.uber.org/multierr"
	"golang.org/x/tools/go/packages"
)

const (
	entityPkgPath = "github.com/roach88/entityflow/internal/entity"
	proxyPkgPath  = "github.com/roach88/entityflow/internal/proxy"
)

// GenerateOptions selects the interface to generate a proxy for.
type GenerateOptions struct {
	// Dir is the directory of the package declaring the interface.
	// Defaults to the current directory.
	Dir string

	// Interface is the name of the entity interface.
	Interface string

	// EntityName overrides the entity name. By default it is the name of
	// the one type in the package that has all methods of the interface.
	EntityName string
}

// Generate loads the package in opts.Dir and returns the gofmt'd source of
// a proxy for opts.Interface.
func Generate(opts GenerateOptions) ([]byte, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedTypes | packages.NeedSyntax | packages.NeedTypesInfo,
		Dir:  dir,
	}
	pkgs, err := packages.Load(cfg, ".")
	if err != nil {
		return nil, fmt.Errorf("load package in %s: %w", dir, err)
	}
	if len(pkgs) != 1 {
		return nil, fmt.Errorf("load package in %s: found %d packages", dir, len(pkgs))
	}
	pkg := pkgs[0]
	if len(pkg.Errors) > 0 {
		var errs error
		for _, e := range pkg.Errors {
			errs = multierr.Append(errs, e)
		}
		return nil, fmt.Errorf("load package %s: %w", pkg.PkgPath, errs)
	}
	return GenerateFromTypes(pkg.Types, opts.Interface, opts.EntityName)
}

// GenerateFromTypes returns the proxy source for the interface named
// ifaceName in the type-checked package pkg.
func GenerateFromTypes(pkg *types.Package, ifaceName, entityName string) ([]byte, error) {
	iface, err := lookupInterface(pkg, ifaceName)
	if err != nil {
		return nil, err
	}

	f := &proxyFile{
		Package:   pkg.Name(),
		Interface: ifaceName,
		Base:      baseName(ifaceName),
		imports:   map[string]string{},
	}
	f.ProxyType = lowerFirst(f.Base) + "Proxy"
	f.NameConst = f.Base + "EntityName"

	qualifier := func(p *types.Package) string {
		if p == pkg {
			return ""
		}
		f.imports[p.Path()] = p.Name()
		return p.Name()
	}
	for i := 0; i < iface.NumMethods(); i++ {
		m, err := describeMethod(iface.Method(i), qualifier)
		if err != nil {
			return nil, &ConfigError{Interface: ifaceName, Reason: err.Error()}
		}
		if m.Ctx == "context.Background()" {
			f.imports["context"] = "context"
		}
		f.Methods = append(f.Methods, m)
	}

	if entityName == "" {
		impl, err := findImplementer(pkg, iface, ifaceName, f.ProxyType)
		if err != nil {
			return nil, err
		}
		entityName = impl
	}
	f.EntityName = strings.ToLower(entityName)
	if strings.Contains(f.EntityName, "@") {
		return nil, &ConfigError{Interface: ifaceName, Reason: fmt.Sprintf("entity name %q contains '@'", entityName)}
	}

	f.imports[entityPkgPath] = "entity"
	f.imports[proxyPkgPath] = "proxy"
	if err := f.resolveImports(); err != nil {
		return nil, &ConfigError{Interface: ifaceName, Reason: err.Error()}
	}

	var buf bytes.Buffer
	if err := fileTemplate.Execute(&buf, f); err != nil {
		return nil, fmt.Errorf("render proxy for %s: %w", ifaceName, err)
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("format proxy for %s: %w", ifaceName, err)
	}
	return src, nil
}

func lookupInterface(pkg *types.Package, name string) (*types.Interface, error) {
	tn, ok := pkg.Scope().Lookup(name).(*types.TypeName)
	if !ok {
		return nil, &ConfigError{Interface: name, Reason: fmt.Sprintf("no type %s in package %s", name, pkg.Path())}
	}
	iface, ok := tn.Type().Underlying().(*types.Interface)
	if !ok {
		return nil, &ConfigError{Interface: name, Reason: "not an interface"}
	}
	if named, ok := types.Unalias(tn.Type()).(*types.Named); ok && named.TypeParams().Len() > 0 {
		return nil, &ConfigError{Interface: name, Reason: "generic interfaces cannot be proxied"}
	}
	if !iface.IsMethodSet() {
		return nil, &ConfigError{Interface: name, Reason: "interfaces with type elements cannot be proxied"}
	}
	if iface.NumMethods() == 0 {
		return nil, &ConfigError{Interface: name, Reason: "interface has no methods"}
	}
	return iface, nil
}

const (
	kindSignal     = "signal"
	kindCall       = "call"
	kindCallResult = "callResult"
)

type proxyMethod struct {
	Name       string
	Params     string
	Results    string
	Ctx        string
	Input      string
	Kind       string
	ResultType string
}

// describeMethod applies the rules of Validate to m.
func describeMethod(m *types.Func, q types.Qualifier) (proxyMethod, error) {
	sig := m.Type().(*types.Signature)
	pm := proxyMethod{Name: m.Name(), Ctx: "context.Background()", Input: "nil"}
	if sig.Variadic() {
		return pm, fmt.Errorf("method %s must not be variadic", m.Name())
	}

	var params []string
	ps := sig.Params()
	next := 0
	if ps.Len() > 0 && isContext(ps.At(0).Type()) {
		params = append(params, "ctx "+types.TypeString(ps.At(0).Type(), q))
		pm.Ctx = "ctx"
		next = 1
	}
	switch ps.Len() - next {
	case 0:
	case 1:
		params = append(params, "input "+types.TypeString(ps.At(next).Type(), q))
		pm.Input = "input"
	default:
		return pm, fmt.Errorf("method %s must take at most one argument besides context.Context", m.Name())
	}
	pm.Params = strings.Join(params, ", ")

	rs := sig.Results()
	switch {
	case rs.Len() == 0:
		pm.Kind = kindSignal
	case rs.Len() == 1 && isError(rs.At(0).Type()):
		pm.Kind = kindCall
		pm.Results = " error"
	case rs.Len() == 2 && isError(rs.At(1).Type()):
		pm.Kind = kindCallResult
		pm.ResultType = types.TypeString(rs.At(0).Type(), q)
		pm.Results = " (" + pm.ResultType + ", error)"
	default:
		return pm, fmt.Errorf("method %s must return nothing, error, or (T, error)", m.Name())
	}
	return pm, nil
}

func isContext(t types.Type) bool {
	named, ok := types.Unalias(t).(*types.Named)
	if !ok {
		return false
	}
	obj := named.Obj()
	return obj.Pkg() != nil && obj.Pkg().Path() == "context" && obj.Name() == "Context"
}

func isError(t types.Type) bool {
	return types.Identical(t, types.Universe.Lookup("error").Type())
}

// findImplementer returns the name of the one concrete type of pkg whose
// pointer method set has every method name of iface.
func findImplementer(pkg *types.Package, iface *types.Interface, ifaceName, proxyType string) (string, error) {
	var found []string
	scope := pkg.Scope()
	for _, name := range scope.Names() {
		if name == ifaceName || name == proxyType {
			continue
		}
		tn, ok := scope.Lookup(name).(*types.TypeName)
		if !ok || tn.IsAlias() {
			continue
		}
		named, ok := tn.Type().(*types.Named)
		if !ok || named.TypeParams().Len() > 0 {
			continue
		}
		if _, isIface := named.Underlying().(*types.Interface); isIface {
			continue
		}
		if hasMethods(named, iface) {
			found = append(found, name)
		}
	}

	switch len(found) {
	case 0:
		return "", &ConfigError{Interface: ifaceName, Reason: fmt.Sprintf("no type in package %s has its methods; set the entity name", pkg.Path())}
	case 1:
		return found[0], nil
	default:
		return "", &ConfigError{Interface: ifaceName, Reason: fmt.Sprintf("several types have its methods (%s); set the entity name", strings.Join(found, ", "))}
	}
}

func hasMethods(t *types.Named, iface *types.Interface) bool {
	mset := types.NewMethodSet(types.NewPointer(t))
	for i := 0; i < iface.NumMethods(); i++ {
		m := iface.Method(i)
		if mset.Lookup(m.Pkg(), m.Name()) == nil {
			return false
		}
	}
	return true
}

// baseName strips the conventional I prefix: ICounter becomes Counter.
func baseName(iface string) string {
	if len(iface) > 1 && iface[0] == 'I' {
		r, _ := utf8.DecodeRuneInString(iface[1:])
		if unicode.IsUpper(r) {
			return iface[1:]
		}
	}
	return upperFirst(iface)
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}

func upperFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[n:]
}

type proxyFile struct {
	Package    string
	Interface  string
	Base       string
	ProxyType  string
	NameConst  string
	EntityName string
	Methods    []proxyMethod
	Imports    []string

	imports map[string]string // path -> package name
}

// resolveImports sorts the recorded imports into import specs. Two packages
// with the same name cannot both be referenced.
func (f *proxyFile) resolveImports() error {
	byName := map[string]string{}
	paths := make([]string, 0, len(f.imports))
	for path, name := range f.imports {
		if other, dup := byName[name]; dup {
			return fmt.Errorf("packages %s and %s are both named %s", other, path, name)
		}
		byName[name] = path
		paths = append(paths, path)
	}
	sort.Strings(paths)

	f.Imports = f.Imports[:0]
	for _, path := range paths {
		spec := strconv.Quote(path)
		if name := f.imports[path]; name != lastElem(path) {
			spec = name + " " + spec
		}
		f.Imports = append(f.Imports, spec)
	}
	return nil
}

func lastElem(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

var fileTemplate = template.Must(template.New("proxy").Parse(`// Code generated by entityflow gen. DO NOT EDIT.

package {{.Package}}

import (
{{- range .Imports}}
	{{.}}
{{- end}}
)

// {{.NameConst}} is the entity name {{.Interface}} proxies address.
const {{.NameConst}} = {{printf "%q" .EntityName}}

func init() {
	proxy.Register[{{.Interface}}]({{.NameConst}}, func(c proxy.Context, id entity.ID) {{.Interface}} {
		return &{{.ProxyType}}{c: c, id: id}
	})
}

// New{{.Base}}Proxy returns the {{.Interface}} proxy of the {{.EntityName}} entity with the given key.
func New{{.Base}}Proxy(c proxy.Context, key string) {{.Interface}} {
	return &{{.ProxyType}}{c: c, id: entity.NewID({{.NameConst}}, key)}
}

type {{.ProxyType}} struct {
	c  proxy.Context
	id entity.ID
}
{{range .Methods}}
func (p *{{$.ProxyType}}) {{.Name}}({{.Params}}){{.Results}} {
{{- if eq .Kind "signal"}}
	proxy.Signal({{.Ctx}}, p.c, p.id, {{printf "%q" .Name}}, {{.Input}})
{{- else if eq .Kind "call"}}
	return p.c.CallEntity({{.Ctx}}, p.id, {{printf "%q" .Name}}, {{.Input}}, nil)
{{- else}}
	var out {{.ResultType}}
	err := p.c.CallEntity({{.Ctx}}, p.id, {{printf "%q" .Name}}, {{.Input}}, &out)
	return out, err
{{- end}}
}
{{end}}`))
