package rules

import "regexp"

// Built-in recognizer set. These fill the role of the default NLP/pattern
// recognizers that ship with the engine; DISABLE_DEFAULT rules remove them by
// name, REGEX rules add to them.
var builtinRecognizers = []Recognizer{
	{
		Name:       "NIKRecognizer",
		EntityType: "ID_NIK",
		Pattern:    regexp.MustCompile(`\b\d{16}\b`),
		BaseScore:  0.5,
		Builtin:    true,
	},
	{
		Name:       "NPWPRecognizer",
		EntityType: "ID_NPWP",
		Pattern:    regexp.MustCompile(`\b\d{2}\.\d{3}\.\d{3}\.\d-\d{3}\.\d{3}\b|\b\d{15,16}\b`),
		BaseScore:  0.6,
		Builtin:    true,
	},
	{
		Name:       "KKNumberRecognizer",
		EntityType: "ID_KK",
		Pattern:    regexp.MustCompile(`\b\d{16}\b`),
		BaseScore:  0.5,
		Builtin:    true,
	},
	{
		Name:       "BPJSNumberRecognizer",
		EntityType: "ID_BPJS",
		Pattern:    regexp.MustCompile(`\b\d{11,13}\b`),
		BaseScore:  0.5,
		Builtin:    true,
	},
	{
		Name:       "PhoneNumberRecognizer",
		EntityType: "PHONE_NUMBER",
		Pattern:    regexp.MustCompile(`(\+62|62|0)8[1-9][0-9]{6,10}`),
		BaseScore:  0.6,
		Builtin:    true,
	},
	{
		Name:       "BankAccountRecognizer",
		EntityType: "ID_BANK_ACCOUNT",
		Pattern:    regexp.MustCompile(`\b\d{10,16}\b`),
		BaseScore:  0.3,
		Builtin:    true,
	},
	{
		Name:       "CreditCardRecognizer",
		EntityType: "CREDIT_CARD",
		Pattern:    regexp.MustCompile(`\b(?:\d[ -]?){15}\d\b`),
		BaseScore:  0.5,
		Builtin:    true,
	},
	{
		Name:       "EmailRecognizer",
		EntityType: "EMAIL_ADDRESS",
		Pattern:    regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		BaseScore:  0.6,
		Builtin:    true,
	},
	{
		Name:       "MoneyAmountRecognizer",
		EntityType: "FIN_AMOUNT",
		Pattern:    regexp.MustCompile(`\b(Rp|IDR)\s*\.?[0-9.,]+`),
		BaseScore:  0.6,
		Builtin:    true,
	},
	{
		Name:       "SocialMediaRecognizer",
		EntityType: "SOCIAL_MEDIA",
		Pattern:    regexp.MustCompile(`linkedin\.com/in/[\w-]+|(?:^|\s)@\w{1,30}`),
		BaseScore:  0.5,
		Builtin:    true,
	},
}

// builtinProximity are the context keyword sets that ship with the built-in
// recognizers, keyed by recognizer name. They raise confidence the same way
// PROXIMITY rules do and are removed together with their recognizer when a
// DISABLE_DEFAULT rule names it.
var builtinProximity = map[string]ProximityRule{
	"NIKRecognizer":         {Name: "NIKContext", EntityType: "ID_NIK", Keywords: []string{"nik", "ktp", "nomor induk", "identitas", "kependudukan", "e-ktp"}},
	"NPWPRecognizer":        {Name: "NPWPContext", EntityType: "ID_NPWP", Keywords: []string{"npwp", "pajak", "wajib", "tax", "tin"}},
	"KKNumberRecognizer":    {Name: "KKContext", EntityType: "ID_KK", Keywords: []string{"kk", "keluarga", "family"}},
	"BPJSNumberRecognizer":  {Name: "BPJSContext", EntityType: "ID_BPJS", Keywords: []string{"bpjs", "ketenagakerjaan", "kesehatan", "jamsostek"}},
	"PhoneNumberRecognizer": {Name: "PhoneContext", EntityType: "PHONE_NUMBER", Keywords: []string{"telp", "wa", "hp", "phone", "mobile"}},
	"BankAccountRecognizer": {Name: "BankAccountContext", EntityType: "ID_BANK_ACCOUNT", Keywords: []string{"rekening", "bank", "no_rek", "mandiri", "bca", "bri", "bni", "cif"}},
	"CreditCardRecognizer":  {Name: "CreditCardContext", EntityType: "CREDIT_CARD", Keywords: []string{"visa", "mastercard", "kartu kredit", "credit", "cvv"}},
	"EmailRecognizer":       {Name: "EmailContext", EntityType: "EMAIL_ADDRESS", Keywords: []string{"email", "surat", "mail"}},
	"MoneyAmountRecognizer": {Name: "MoneyContext", EntityType: "FIN_AMOUNT", Keywords: []string{"harga", "biaya", "total", "amount", "nilai", "saldo"}},
	"SocialMediaRecognizer": {Name: "SocialMediaContext", EntityType: "SOCIAL_MEDIA", Keywords: []string{"twitter", "instagram", "tiktok", "facebook", "linkedin", "sosmed"}},
}

// defaultSensitivity classifies entity types for reporting. Unknown types
// fall back to General.
var defaultSensitivity = map[string]string{
	"ID_NIK":          SensitivitySpecific,
	"ID_KK":           SensitivitySpecific,
	"ID_NPWP":         SensitivitySpecific,
	"ID_BPJS":         SensitivitySpecific,
	"CREDIT_CARD":     SensitivitySpecific,
	"ID_BANK_ACCOUNT": SensitivitySpecific,
	"PHONE_NUMBER":    SensitivityGeneral,
	"EMAIL_ADDRESS":   SensitivityGeneral,
	"PERSON":          SensitivityGeneral,
	"FIN_AMOUNT":      SensitivityGeneral,
	"SOCIAL_MEDIA":    SensitivityGeneral,
}

// BuiltinNames returns the names of all built-in recognizers
func BuiltinNames() []string {
	names := make([]string, 0, len(builtinRecognizers))
	for _, r := range builtinRecognizers {
		names = append(names, r.Name)
	}
	return names
}
