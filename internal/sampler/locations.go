package sampler

// Location is a polling point: TomTom is queried at the coordinates and
// AQICN at the station ID.
type Location struct {
	Name      string
	StationID string
	Latitude  float64
	Longitude float64
}

// DefaultLocations are the Jakarta monitoring stations.
var DefaultLocations = []Location{
	{Name: "Kebon Sirih", StationID: "A521365", Latitude: -6.1861, Longitude: 106.8236},
	{Name: "Krukut", StationID: "A495982", Latitude: -6.1593, Longitude: 106.8180},
	{Name: "GBK, Gelora", StationID: "A416842", Latitude: -6.2154, Longitude: 106.8030},
	{Name: "Jakarta Timur Kebon Nanas", StationID: "A531565", Latitude: -6.2338, Longitude: 106.8769},
	{Name: "Tangerang Benteng Betawi", StationID: "A515938", Latitude: -6.1756, Longitude: 106.6449},
	{Name: "Kedoya Utara", StationID: "A521380", Latitude: -6.1714, Longitude: 106.7622},
	{Name: "Grogol Utara", StationID: "A570235", Latitude: -6.2224, Longitude: 106.7883},
	{Name: "Gunung", StationID: "A537937", Latitude: -6.2373, Longitude: 106.7861},
	{Name: "Cinere", StationID: "A511573", Latitude: -6.3498, Longitude: 106.7782},
	{Name: "Kemayoran", StationID: "@8294", Latitude: -6.1911, Longitude: 106.8491},
}
