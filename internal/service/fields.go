// Package service implements the narrow clients for the cellar backend:
// identify, enrich and add-to-cellar. The backend is treated as opaque;
// only the wire shapes defined here are assumed.
package service

// Field is a wine attribute delivered by the identify/enrich services.
// The set is fixed; unknown names from the wire are resolved through the
// alias table below or dropped at the boundary.
type Field string

const (
	FieldProducer       Field = "producer"
	FieldWineName       Field = "wineName"
	FieldVintage        Field = "vintage"
	FieldRegion         Field = "region"
	FieldAppellation    Field = "appellation"
	FieldCountry        Field = "country"
	FieldGrapeVarieties Field = "grapeVarieties"
	FieldWineType       Field = "wineType"
	FieldTastingNotes   Field = "tastingNotes"
	FieldPairingNotes   Field = "pairingNotes"
	FieldDrinkWindow    Field = "drinkWindow"
	FieldCriticScores   Field = "criticScores"
	FieldOverview       Field = "overview"
	FieldBody           Field = "body"
	FieldTannin         Field = "tannin"
	FieldAcidity        Field = "acidity"
)

// KnownFields lists every field in a stable order (used for display).
var KnownFields = []Field{
	FieldProducer, FieldWineName, FieldVintage, FieldRegion,
	FieldAppellation, FieldCountry, FieldGrapeVarieties, FieldWineType,
	FieldTastingNotes, FieldPairingNotes, FieldDrinkWindow,
	FieldCriticScores, FieldOverview, FieldBody, FieldTannin, FieldAcidity,
}

// fieldAliases maps wire names the backend has been observed to emit onto
// the fixed schema. Alias resolution lives here, at the service boundary,
// so the reconciler only ever sees canonical names.
var fieldAliases = map[string]Field{
	"winery":          FieldProducer,
	"producer_name":   FieldProducer,
	"name":            FieldWineName,
	"wine_name":       FieldWineName,
	"year":            FieldVintage,
	"grapes":          FieldGrapeVarieties,
	"grape_varieties": FieldGrapeVarieties,
	"varietal":        FieldGrapeVarieties,
	"color":           FieldWineType,
	"type":            FieldWineType,
	"notes":           FieldTastingNotes,
	"tasting_notes":   FieldTastingNotes,
	"food_pairing":    FieldPairingNotes,
	"pairing":         FieldPairingNotes,
	"pairing_notes":   FieldPairingNotes,
	"drinking_window": FieldDrinkWindow,
	"drink_window":    FieldDrinkWindow,
	"scores":          FieldCriticScores,
	"critic_scores":   FieldCriticScores,
	"summary":         FieldOverview,
	"description":     FieldOverview,
}

// ResolveField maps a wire field name to the canonical Field.
// Returns false for names outside the schema and alias table.
func ResolveField(name string) (Field, bool) {
	f := Field(name)
	for _, k := range KnownFields {
		if f == k {
			return k, true
		}
	}
	if alias, ok := fieldAliases[name]; ok {
		return alias, true
	}
	return "", false
}

// narrativeFields grow token by token; everything else is replaced
// wholesale on each delta (dates, scores, scalar descriptors).
var narrativeFields = map[Field]bool{
	FieldTastingNotes: true,
	FieldPairingNotes: true,
	FieldOverview:     true,
}

// Accumulates reports whether deltas for the field append to the current
// value rather than replacing it.
func Accumulates(f Field) bool {
	return narrativeFields[f]
}
