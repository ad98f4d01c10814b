package card

import "strconv"

// Brand is the card scheme inferred from the number's prefix.
type Brand string

const (
	BrandUnknown    Brand = "unknown"
	BrandVisa       Brand = "visa"
	BrandMastercard Brand = "mastercard"
	BrandAmex       Brand = "amex"
	BrandDiscover   Brand = "discover"
	BrandJCB        Brand = "jcb"
	BrandDiners     Brand = "diners"
	BrandMaestro    Brand = "maestro"
)

type brandRange struct {
	brand  Brand
	digits int
	lo, hi int
}

// Ordered so that narrower ranges win over broader ones.
var brandRanges = []brandRange{
	{BrandAmex, 2, 34, 34},
	{BrandAmex, 2, 37, 37},
	{BrandDiners, 3, 300, 305},
	{BrandDiners, 2, 36, 36},
	{BrandDiners, 2, 38, 39},
	{BrandDiscover, 4, 6011, 6011},
	{BrandDiscover, 3, 644, 649},
	{BrandDiscover, 2, 65, 65},
	{BrandJCB, 4, 3528, 3589},
	{BrandMastercard, 2, 51, 55},
	{BrandMastercard, 4, 2221, 2720},
	{BrandMaestro, 4, 5018, 5018},
	{BrandMaestro, 4, 5020, 5020},
	{BrandMaestro, 4, 5038, 5038},
	{BrandMaestro, 4, 6304, 6304},
	{BrandMaestro, 4, 6759, 6759},
	{BrandMaestro, 4, 6761, 6763},
	{BrandVisa, 1, 4, 4},
}

// DetectBrand returns the scheme for number. The result is advisory only.
func DetectBrand(number string) Brand {
	n := Sanitize(number)
	for _, r := range brandRanges {
		if len(n) < r.digits {
			continue
		}
		prefix, err := strconv.Atoi(n[:r.digits])
		if err != nil {
			return BrandUnknown
		}
		if prefix >= r.lo && prefix <= r.hi {
			return r.brand
		}
	}
	return BrandUnknown
}
