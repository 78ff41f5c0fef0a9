package normalize

// knownTranslations maps Persian spellings of major cities to their
// canonical English forms. ASCII folding cannot transliterate Arabic-script
// names, so these resolve by lookup before the fold pipeline runs.
var knownTranslations = map[string]string{
	"تهران":     "tehran",
	"مشهد":      "mashhad",
	"اصفهان":    "isfahan",
	"شیراز":     "shiraz",
	"تبریز":     "tabriz",
	"کرج":       "karaj",
	"قم":        "qom",
	"اهواز":     "ahvaz",
	"کرمانشاه":  "kermanshah",
	"ارومیه":    "urmia",
	"رشت":       "rasht",
	"کرمان":     "kerman",
	"همدان":     "hamedan",
	"اردبیل":    "ardabil",
	"یزد":       "yazd",
	"قزوین":     "qazvin",
	"زنجان":     "zanjan",
	"سنندج":     "sanandaj",
	"بندرعباس":  "bandarabbas",
	"گرگان":     "gorgan",
	"ساری":      "sari",
	"بیرجند":    "birjand",
	"بوشهر":     "bushehr",
	"ایلام":     "ilam",
	"سمنان":     "semnan",
	"خرم‌آباد":   "khorramabad",
	"یاسوج":     "yasuj",
	"شهرکرد":    "shahrekord",
}
