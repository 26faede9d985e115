package main

import (
	"github.com/dave/dst"
	"github.com/dave/dst/dstutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mrproliu/go-agent-virtualfield/frameworks/core"
	"github.com/mrproliu/go-agent-virtualfield/internal/config"
	"github.com/mrproliu/go-agent-virtualfield/internal/field"
)

// VirtualFieldInstrument augments the carriers of the package being compiled
// and binds the lookups when the package is the adapter of a framework.
type VirtualFieldInstrument struct {
	pkgPath     string
	packageName string
	augmentor   *field.Augmentor
	binder      *field.Binder
	log         logrus.FieldLogger
}

// NewVirtualFieldInstrument installs the pairs of insts not claimed on guard
// yet, so a pair declared by several frameworks is injected once.
func NewVirtualFieldInstrument(pkgPath string, cfg *config.Config, insts []core.Instrument, guard *field.Guard) (*VirtualFieldInstrument, error) {
	log := logger.WithField("package", pkgPath)
	v := &VirtualFieldInstrument{
		pkgPath: pkgPath,
		log:     log,
		augmentor: field.NewAugmentor(pkgPath, field.Options{
			InjectionEnabled: cfg.VirtualField.InjectionEnabled,
			ExcludedPackages: cfg.VirtualField.ExcludedPackages,
			Logger:           log,
		}),
	}
	for _, inst := range insts {
		registry := inst.VirtualFields()
		for _, pair := range registry.Pairs() {
			if guard.TryClaim(pair) {
				v.augmentor.Install(pair)
			}
		}
		if inst.AdapterPackage() != pkgPath {
			continue
		}
		if registry.Len() == 0 {
			return nil, errors.Errorf("adapter package %s declares no virtual field", pkgPath)
		}
		v.binder = field.NewBinder(pkgPath, registry)
	}
	return v, nil
}

func (v *VirtualFieldInstrument) HookPoints() []*InstrumentPoint {
	var points []*InstrumentPoint
	if v.augmentor.Interested() {
		points = append(points, &InstrumentPoint{
			Package: v.pkgPath,
			FilterAndEdit: func(cursor *dstutil.Cursor) bool {
				if file, ok := cursor.Node().(*dst.File); ok {
					v.packageName = file.Name.Name
					return false
				}
				return v.augmentor.Visit(cursor)
			},
		})
	}
	if v.binder != nil {
		points = append(points, &InstrumentPoint{
			Package:  v.pkgPath,
			EditFile: v.binder.BindFile,
		})
	}
	return points
}

func (v *VirtualFieldInstrument) ExtraChangesForEnhancedFile(string) error {
	return nil
}

// WriteExtraFiles fails the build on binding errors and writes the accessor
// methods of the augmented carriers.
func (v *VirtualFieldInstrument) WriteExtraFiles(basePath string) ([]string, error) {
	if v.binder != nil {
		if err := v.binder.Err(); err != nil {
			return nil, err
		}
		for _, pair := range v.binder.Bindings() {
			v.log.WithField("pair", pair.String()).Debug("virtual field bound")
		}
	}
	accessors := v.augmentor.Accessors(v.packageName)
	if accessors == nil {
		return nil, nil
	}
	path, err := writeExtraFile(basePath, "skywalking_virtual_fields.go", accessors)
	if err != nil {
		return nil, err
	}
	for _, aug := range v.augmentor.Augmented() {
		v.log.WithFields(logrus.Fields{"pair": aug.Pair.String(), "type": aug.TypeName}).Info("virtual field injected")
	}
	return []string{path}, nil
}
