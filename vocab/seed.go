package vocab

// builtinType seeds one canonical relationship type.
type builtinType struct {
	Name          string
	Category      string
	SupportWeight float64
}

// builtins is the seed vocabulary: ~30 canonical types across 11
// categories. Signed support weights feed the grounding computation;
// types that neither support nor contradict a claim stay neutral at 0.
var builtins = []builtinType{
	// causation
	{"CAUSES", "causation", 0},
	{"ENABLES", "causation", 0.5},
	{"PREVENTS", "causation", -0.5},
	{"INFLUENCES", "causation", 0},
	{"RESULTS_FROM", "causation", 0},

	// composition
	{"PART_OF", "composition", 0},
	{"CONTAINS", "composition", 0},
	{"SUBSET_OF", "composition", 0},
	{"INSTANCE_OF", "composition", 0},

	// logical
	{"IMPLIES", "logical", 0},
	{"CONTRADICTS", "logical", -1},
	{"PRESUPPOSES", "logical", 0},
	{"EQUIVALENT_TO", "logical", 0},

	// evidential
	{"SUPPORTS", "evidential", 1},
	{"REFUTES", "evidential", -1},
	{"EXEMPLIFIES", "evidential", 0.5},
	{"MEASURED_BY", "evidential", 0},

	// semantic
	{"SIMILAR_TO", "semantic", 0},
	{"ANALOGOUS_TO", "semantic", 0},
	{"CONTRASTS_WITH", "semantic", 0},
	{"OPPOSITE_OF", "semantic", 0},

	// temporal
	{"PRECEDES", "temporal", 0},
	{"CONCURRENT_WITH", "temporal", 0},
	{"EVOLVES_INTO", "temporal", 0},

	// dependency
	{"DEPENDS_ON", "dependency", 0},
	{"REQUIRES", "dependency", 0},
	{"PRODUCES", "dependency", 0},

	// derivation
	{"DERIVED_FROM", "derivation", 0},
	{"BASED_ON", "derivation", 0},

	// operation
	{"TRANSFORMS", "operation", 0},

	// interaction
	{"INTERACTS_WITH", "interaction", 0},

	// modification
	{"MODIFIES", "modification", 0},
}
