package service

import "strings"

// DefaultQuality is the score of items without a recognized collection.
const DefaultQuality = 0.5

// collectionQuality maps collection tags to the expected cleanliness of their
// OCR text. Curated transcriptions score highest, bulk microfilm lowest.
var collectionQuality = map[string]float64{
	"gutenberg":                          0.95,
	"americana":                          0.9,
	"library_of_congress":                0.85,
	"toronto":                            0.85,
	"university_of_toronto":              0.85,
	"cdl":                                0.8,
	"university_of_california_libraries": 0.8,
	"bostonpubliclibrary":                0.8,
	"biodiversity":                       0.75,
	"blc":                                0.7,
	"opensource":                         0.4,
	"folkscanomy":                        0.4,
	"microfilm":                          0.3,
	"newspapers":                         0.3,
}

// QualityScore returns the highest score among the item's collections, or
// DefaultQuality when none is recognized.
func QualityScore(collections []string) float64 {
	best, found := 0.0, false
	for _, c := range collections {
		if score, ok := collectionQuality[strings.ToLower(strings.TrimSpace(c))]; ok {
			if !found || score > best {
				best, found = score, true
			}
		}
	}
	if !found {
		return DefaultQuality
	}
	return best
}
