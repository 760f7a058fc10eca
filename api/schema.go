package api

import "strings"

// Class identifies the CityGML class of a feature, appearance object or
// geometry. The numeric value is persisted in CITYOBJECT.CLASS_ID,
// SURFACE_DATA.TYPE and in the TYPE column of gml:id cache tables, so
// existing values must never be renumbered.
type Class int

const (
	ClassUndefined            Class = 0
	ClassCityObject           Class = 1
	ClassBuilding             Class = 26
	ClassCityFurniture        Class = 21
	ClassCityObjectGroup      Class = 23
	ClassAppearance           Class = 50
	ClassParameterizedTexture Class = 52
	ClassX3DMaterial          Class = 53
	ClassImplicitGeometry     Class = 59
	ClassSurfaceGeometry      Class = 106
)

var classNames = map[Class]string{
	ClassCityObject:           "CityObject",
	ClassBuilding:             "Building",
	ClassCityFurniture:        "CityFurniture",
	ClassCityObjectGroup:      "CityObjectGroup",
	ClassAppearance:           "Appearance",
	ClassParameterizedTexture: "ParameterizedTexture",
	ClassX3DMaterial:          "X3DMaterial",
	ClassImplicitGeometry:     "ImplicitGeometry",
	ClassSurfaceGeometry:      "SurfaceGeometry",
}

func (c Class) String() string {
	if n, ok := classNames[c]; ok {
		return n
	}
	return "Undefined"
}

// IsFeature reports whether rows of this class live in CITYOBJECT.
func (c Class) IsFeature() bool {
	switch c {
	case ClassCityObject, ClassBuilding, ClassCityFurniture, ClassCityObjectGroup:
		return true
	}
	return false
}

// ParseClass maps a document type name ("Building") to its Class.
// Matching is case-insensitive; unknown names yield ClassUndefined.
func ParseClass(name string) Class {
	for c, n := range classNames {
		if strings.EqualFold(n, name) {
			return c
		}
	}
	return ClassUndefined
}
