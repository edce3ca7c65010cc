package resultbuilder

import (
	"math"
	"time"

	"github.com/fmi-engine/obsengine/internal/geo"
)

// windCompass maps a wind direction in degrees to a compass sector index
// in [0, n), n being 8, 16 or 32. nil input (missing wind direction)
// yields no value.
func windCompass(direction *float64, n int) *float64 {
	if direction == nil {
		return nil
	}
	sector := float64(geo.CompassSector(*direction, n))
	return &sector
}

// feelsLike computes an apparent temperature from air temperature (C),
// relative humidity (%) and wind speed (m/s). Radiation is treated as
// missing, matching the narrow-row inputs available here. All three
// inputs must be present.
func feelsLike(temperature, humidity, windSpeedMS *float64) *float64 {
	if temperature == nil || humidity == nil || windSpeedMS == nil {
		return nil
	}
	t := *temperature
	rh := *humidity
	wind := *windSpeedMS

	var apparent float64
	switch {
	case t <= 10 && wind >= 1.34:
		// Wind chill (JAG/TI formula), wind in km/h.
		windKmh := wind * 3.6
		apparent = 13.12 + 0.6215*t - 11.37*math.Pow(windKmh, 0.16) + 0.3965*t*math.Pow(windKmh, 0.16)
	case t >= 20:
		// Simplified heat-index contribution from humidity.
		e := (rh / 100) * 6.105 * math.Exp(17.27*t/(237.7+t))
		apparent = t + 0.33*e - 0.7*wind - 4
	default:
		apparent = t
	}
	return &apparent
}

// smartSymbol computes a discrete weather-symbol number from wawa
// (present weather code), total cloud cover (1/8), air temperature (C),
// station location and observation time (for day/night discrimination).
// All three measurand inputs must be present.
func smartSymbol(wawa, totalCloudCover, temperature *float64, lon, lat float64, obsTime time.Time) *float64 {
	if wawa == nil || totalCloudCover == nil || temperature == nil {
		return nil
	}
	day := isDaytime(lon, lat, obsTime)

	var symbol float64
	switch {
	case *wawa >= 95:
		symbol = 81 // thunder
	case *wawa >= 60 && *wawa < 70:
		symbol = 60 // rain
	case *wawa >= 70 && *wawa < 80:
		symbol = 70 // snow
	case *totalCloudCover <= 1:
		symbol = boolToSymbol(day, 1, 2) // clear
	case *totalCloudCover <= 5:
		symbol = boolToSymbol(day, 3, 4) // partly cloudy
	default:
		symbol = 7 // overcast
	}
	if *temperature < 0 && symbol == 60 {
		symbol = 70 // rain becomes snow below freezing
	}
	return &symbol
}

func boolToSymbol(day bool, daySymbol, nightSymbol float64) float64 {
	if day {
		return daySymbol
	}
	return nightSymbol
}

// isDaytime is a coarse day/night estimate: the sun is taken to be above
// the horizon between a latitude- and day-of-year-adjusted sunrise and
// sunset hour, local solar time approximated from longitude.
func isDaytime(lon, lat float64, t time.Time) bool {
	dayOfYear := float64(t.YearDay())
	declination := 23.44 * math.Sin(2*math.Pi*(dayOfYear-81)/365.0) * math.Pi / 180
	latRad := lat * math.Pi / 180

	cosHourAngle := -math.Tan(latRad) * math.Tan(declination)
	if cosHourAngle >= 1 {
		return false // polar night
	}
	if cosHourAngle <= -1 {
		return true // midnight sun
	}
	hourAngle := math.Acos(cosHourAngle) * 180 / math.Pi // degrees, half-day length

	solarTimeHours := float64(t.Hour()) + float64(t.Minute())/60 + lon/15
	solarTimeHours = math.Mod(solarTimeHours+24, 24)

	sunriseHour := 12 - hourAngle/15
	sunsetHour := 12 + hourAngle/15
	return solarTimeHours >= sunriseHour && solarTimeHours <= sunsetHour
}
