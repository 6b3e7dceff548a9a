// Package domain models National Weather Service (NWS) hazard alerts and the
// events and episodes the correlator tracks for them.
//
// # Data Source
//
// Alerts come from the NWS public API (https://api.weather.gov/alerts/active)
// as a GeoJSON FeatureCollection. Each feature carries CAP properties plus a
// "parameters" map; the fields the correlator depends on are:
//
//	parameters.VTEC        one or more P-VTEC strings (the tracking code)
//	eventCode.NationalWeatherService[0]  three-letter hazard code, e.g. "TOR"
//	geocode.UGC / geocode.SAME           affected zones, paired by index
//	affectedZones          zone URLs used to resolve zone-only geometry
//
// # VTEC Conventions
//
// A P-VTEC string has the fixed layout
//
//	/k.aaa.cccc.pp.s.####.yymmddThhnnZ-yymmddThhnnZ/
//	 |  |   |   |  |  |    begin          end
//	 |  |   |   |  |  event tracking number (ETN)
//	 |  |   |   |  significance (W warning, A watch, Y advisory, S statement)
//	 |  |   |   phenomenon, e.g. TO tornado, SV severe thunderstorm
//	 |  |   issuing office, e.g. KOUN
//	 |  action: NEW CON EXT EXA EXB UPG CAN EXP COR ROU
//	 product class: O operational, T test, E experimental, X exercise
//
// The ETN restarts every calendar year, so the canonical key carries the year
// taken from the begin date. An ongoing product reports a zero begin date
// (000000T0000Z); the end date supplies the year then, and the clock is the
// last resort. See [ParseVTEC].
//
// # Canonical Keys
//
// Office, phenomenon, significance, ETN and year identify one real-world hazard
// occurrence no matter how often it is retransmitted. [Key.String] renders the
// tuple as a fixed-width string ("OUNTOW001524") that [ParseKey] inverts by
// reading the fixed-width fields from the right.
//
// # Events and Episodes
//
// Warnings (significance W) become events; watches (significance A) become
// episodes. An event that overlaps no active episode of its hazard family gets
// an implicit episode keyed by the event key with significance S, which the
// feed never admits on its own.
package domain
