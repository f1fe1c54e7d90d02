// Package iata carries the airport reference table the validator checks
// route codes against. The table covers every commercial Iranian airport plus
// the regional and long-haul destinations the configured sites sell; codes
// outside it are treated as unknown, not invalid format.
package iata

import "strings"

// Airport is one reference entry.
type Airport struct {
	City    string
	Country string
	Tz      string
}

// Known reports whether code is in the reference table. Matching is
// case-insensitive; format checks (three letters) belong to the caller.
func Known(code string) bool {
	_, ok := airports[strings.ToUpper(code)]
	return ok
}

// Lookup returns the reference entry for code.
func Lookup(code string) (Airport, bool) {
	a, ok := airports[strings.ToUpper(code)]
	return a, ok
}

var airports = map[string]Airport{
	// Iran
	"THR": {"Tehran (Mehrabad)", "IR", "Asia/Tehran"},
	"IKA": {"Tehran (Imam Khomeini)", "IR", "Asia/Tehran"},
	"MHD": {"Mashhad", "IR", "Asia/Tehran"},
	"SYZ": {"Shiraz", "IR", "Asia/Tehran"},
	"IFN": {"Isfahan", "IR", "Asia/Tehran"},
	"TBZ": {"Tabriz", "IR", "Asia/Tehran"},
	"KIH": {"Kish Island", "IR", "Asia/Tehran"},
	"AWZ": {"Ahvaz", "IR", "Asia/Tehran"},
	"BND": {"Bandar Abbas", "IR", "Asia/Tehran"},
	"KER": {"Kerman", "IR", "Asia/Tehran"},
	"KSH": {"Kermanshah", "IR", "Asia/Tehran"},
	"GSM": {"Qeshm Island", "IR", "Asia/Tehran"},
	"AZD": {"Yazd", "IR", "Asia/Tehran"},
	"RAS": {"Rasht", "IR", "Asia/Tehran"},
	"SRY": {"Sari", "IR", "Asia/Tehran"},
	"ZAH": {"Zahedan", "IR", "Asia/Tehran"},
	"ADU": {"Ardabil", "IR", "Asia/Tehran"},
	"BUZ": {"Bushehr", "IR", "Asia/Tehran"},
	"XBJ": {"Birjand", "IR", "Asia/Tehran"},
	"OMH": {"Urmia", "IR", "Asia/Tehran"},
	"GBT": {"Gorgan", "IR", "Asia/Tehran"},
	"ABD": {"Abadan", "IR", "Asia/Tehran"},
	"CQD": {"Shahrekord", "IR", "Asia/Tehran"},
	"HDM": {"Hamadan", "IR", "Asia/Tehran"},
	"KHD": {"Khorramabad", "IR", "Asia/Tehran"},
	"LRR": {"Larestan", "IR", "Asia/Tehran"},
	"PGU": {"Asaluyeh (Persian Gulf)", "IR", "Asia/Tehran"},
	"ZBR": {"Chabahar", "IR", "Asia/Tehran"},

	// Gulf and Middle East
	"DXB": {"Dubai", "AE", "Asia/Dubai"},
	"SHJ": {"Sharjah", "AE", "Asia/Dubai"},
	"AUH": {"Abu Dhabi", "AE", "Asia/Dubai"},
	"DOH": {"Doha", "QA", "Asia/Qatar"},
	"KWI": {"Kuwait City", "KW", "Asia/Kuwait"},
	"BAH": {"Manama", "BH", "Asia/Bahrain"},
	"MCT": {"Muscat", "OM", "Asia/Muscat"},
	"JED": {"Jeddah", "SA", "Asia/Riyadh"},
	"RUH": {"Riyadh", "SA", "Asia/Riyadh"},
	"MED": {"Medina", "SA", "Asia/Riyadh"},
	"NJF": {"Najaf", "IQ", "Asia/Baghdad"},
	"BGW": {"Baghdad", "IQ", "Asia/Baghdad"},
	"BSR": {"Basra", "IQ", "Asia/Baghdad"},
	"EBL": {"Erbil", "IQ", "Asia/Baghdad"},
	"BEY": {"Beirut", "LB", "Asia/Beirut"},
	"DAM": {"Damascus", "SY", "Asia/Damascus"},
	"AMM": {"Amman", "JO", "Asia/Amman"},

	// Turkey and the Caucasus
	"IST": {"Istanbul", "TR", "Europe/Istanbul"},
	"SAW": {"Istanbul (Sabiha Gokcen)", "TR", "Europe/Istanbul"},
	"ESB": {"Ankara", "TR", "Europe/Istanbul"},
	"AYT": {"Antalya", "TR", "Europe/Istanbul"},
	"ADB": {"Izmir", "TR", "Europe/Istanbul"},
	"VAN": {"Van", "TR", "Europe/Istanbul"},
	"EVN": {"Yerevan", "AM", "Asia/Yerevan"},
	"GYD": {"Baku", "AZ", "Asia/Baku"},
	"TBS": {"Tbilisi", "GE", "Asia/Tbilisi"},
	"BUS": {"Batumi", "GE", "Asia/Tbilisi"},

	// Central and South Asia
	"KBL": {"Kabul", "AF", "Asia/Kabul"},
	"MZR": {"Mazar-i-Sharif", "AF", "Asia/Kabul"},
	"TAS": {"Tashkent", "UZ", "Asia/Tashkent"},
	"DYU": {"Dushanbe", "TJ", "Asia/Dushanbe"},
	"ALA": {"Almaty", "KZ", "Asia/Almaty"},
	"FRU": {"Bishkek", "KG", "Asia/Bishkek"},
	"ASB": {"Ashgabat", "TM", "Asia/Ashgabat"},
	"KHI": {"Karachi", "PK", "Asia/Karachi"},
	"LHE": {"Lahore", "PK", "Asia/Karachi"},
	"ISB": {"Islamabad", "PK", "Asia/Karachi"},
	"DEL": {"Delhi", "IN", "Asia/Kolkata"},
	"BOM": {"Mumbai", "IN", "Asia/Kolkata"},

	// East and Southeast Asia
	"PEK": {"Beijing", "CN", "Asia/Shanghai"},
	"PVG": {"Shanghai", "CN", "Asia/Shanghai"},
	"CAN": {"Guangzhou", "CN", "Asia/Shanghai"},
	"HKG": {"Hong Kong", "HK", "Asia/Hong_Kong"},
	"BKK": {"Bangkok", "TH", "Asia/Bangkok"},
	"HKT": {"Phuket", "TH", "Asia/Bangkok"},
	"KUL": {"Kuala Lumpur", "MY", "Asia/Kuala_Lumpur"},
	"SIN": {"Singapore", "SG", "Asia/Singapore"},
	"CGK": {"Jakarta", "ID", "Asia/Jakarta"},
	"DPS": {"Denpasar", "ID", "Asia/Makassar"},
	"ICN": {"Seoul", "KR", "Asia/Seoul"},
	"NRT": {"Tokyo (Narita)", "JP", "Asia/Tokyo"},
	"HND": {"Tokyo (Haneda)", "JP", "Asia/Tokyo"},

	// Europe
	"LHR": {"London (Heathrow)", "GB", "Europe/London"},
	"LGW": {"London (Gatwick)", "GB", "Europe/London"},
	"CDG": {"Paris", "FR", "Europe/Paris"},
	"FRA": {"Frankfurt", "DE", "Europe/Berlin"},
	"MUC": {"Munich", "DE", "Europe/Berlin"},
	"AMS": {"Amsterdam", "NL", "Europe/Amsterdam"},
	"VIE": {"Vienna", "AT", "Europe/Vienna"},
	"FCO": {"Rome", "IT", "Europe/Rome"},
	"MXP": {"Milan", "IT", "Europe/Rome"},
	"MAD": {"Madrid", "ES", "Europe/Madrid"},
	"BCN": {"Barcelona", "ES", "Europe/Madrid"},
	"ATH": {"Athens", "GR", "Europe/Athens"},
	"SVO": {"Moscow (Sheremetyevo)", "RU", "Europe/Moscow"},
	"VKO": {"Moscow (Vnukovo)", "RU", "Europe/Moscow"},
	"LED": {"Saint Petersburg", "RU", "Europe/Moscow"},
	"SOF": {"Sofia", "BG", "Europe/Sofia"},
	"BEG": {"Belgrade", "RS", "Europe/Belgrade"},
	"OTP": {"Bucharest", "RO", "Europe/Bucharest"},
	"KIV": {"Chisinau", "MD", "Europe/Chisinau"},
	"MSQ": {"Minsk", "BY", "Europe/Minsk"},

	// Africa and long haul
	"CAI": {"Cairo", "EG", "Africa/Cairo"},
	"TUN": {"Tunis", "TN", "Africa/Tunis"},
	"CMN": {"Casablanca", "MA", "Africa/Casablanca"},
	"JFK": {"New York (JFK)", "US", "America/New_York"},
	"LAX": {"Los Angeles", "US", "America/Los_Angeles"},
	"YYZ": {"Toronto", "CA", "America/Toronto"},
	"SYD": {"Sydney", "AU", "Australia/Sydney"},
	"MEL": {"Melbourne", "AU", "Australia/Melbourne"},
}
