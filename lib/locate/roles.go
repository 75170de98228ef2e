package locate

// maps semantic roles to the selectors of elements that carry the
// role implicitly, for pages that never set role attributes.
var implicitRoleSelectors = map[string][]string{
	"button": {
		"button",
		"input[type='button']",
		"input[type='submit']",
	},
	"link": {"a[href]"},
	"textbox": {
		"input[type='text']",
		"input[type='email']",
		"input[type='password']",
		"input:not([type])",
		"textarea",
	},
	"searchbox":  {"input[type='search']"},
	"checkbox":   {"input[type='checkbox']"},
	"radio":      {"input[type='radio']"},
	"combobox":   {"select"},
	"navigation": {"nav"},
	"form":       {"form"},
	"table":      {"table"},
	"heading":    {"h1", "h2", "h3", "h4", "h5", "h6"},
	"img":        {"img"},
	"list":       {"ul", "ol"},
	"listitem":   {"li"},
}
