package dataset

import (
	"math"
	"time"
)

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }

func mod(a, b float64) float64 {
	m := math.Mod(a, b)
	if m < 0 {
		m += b
	}
	return m
}

// julianDay returns the Julian day number of t.
func julianDay(t time.Time) float64 {
	return float64(t.UTC().UnixNano())/float64(24*time.Hour) + 2440587.5
}

// SunPosition returns the solar azimuth (degrees clockwise from north) and
// altitude (degrees above the horizon, no refraction) at t for an observer
// at latitude/longitude in degrees. It follows the NOAA solar calculator.
func SunPosition(t time.Time, lat, lon float64) (azimuth, altitude float64) {
	jc := (julianDay(t) - 2451545) / 36525

	meanLong := mod(280.46646+jc*(36000.76983+jc*0.0003032), 360)
	meanAnom := 357.52911 + jc*(35999.05029-0.0001537*jc)
	ecc := 0.016708634 - jc*(0.000042037+0.0000001267*jc)
	center := math.Sin(rad(meanAnom))*(1.914602-jc*(0.004817+0.000014*jc)) +
		math.Sin(rad(2*meanAnom))*(0.019993-0.000101*jc) +
		math.Sin(rad(3*meanAnom))*0.000289
	omega := 125.04 - 1934.136*jc
	appLong := meanLong + center - 0.00569 - 0.00478*math.Sin(rad(omega))

	meanObliq := 23 + (26+(21.448-jc*(46.815+jc*(0.00059-jc*0.001813)))/60)/60
	obliq := meanObliq + 0.00256*math.Cos(rad(omega))
	decl := deg(math.Asin(math.Sin(rad(obliq)) * math.Sin(rad(appLong))))

	y := math.Pow(math.Tan(rad(obliq/2)), 2)
	eqTime := 4 * deg(y*math.Sin(2*rad(meanLong))-
		2*ecc*math.Sin(rad(meanAnom))+
		4*ecc*y*math.Sin(rad(meanAnom))*math.Cos(2*rad(meanLong))-
		0.5*y*y*math.Sin(4*rad(meanLong))-
		1.25*ecc*ecc*math.Sin(2*rad(meanAnom)))

	u := t.UTC()
	minutes := float64(u.Hour()*60+u.Minute()) + (float64(u.Second())+float64(u.Nanosecond())/1e9)/60
	solarTime := mod(minutes+eqTime+4*lon, 1440)
	hourAngle := solarTime/4 - 180

	cosZen := math.Sin(rad(lat))*math.Sin(rad(decl)) + math.Cos(rad(lat))*math.Cos(rad(decl))*math.Cos(rad(hourAngle))
	zenith := deg(math.Acos(math.Max(-1, math.Min(1, cosZen))))
	altitude = 90 - zenith

	den := math.Cos(rad(lat)) * math.Sin(rad(zenith))
	if math.Abs(den) < 1e-12 {
		return 180, altitude
	}
	cosAz := (math.Sin(rad(lat))*math.Cos(rad(zenith)) - math.Sin(rad(decl))) / den
	a := deg(math.Acos(math.Max(-1, math.Min(1, cosAz))))
	if hourAngle > 0 {
		azimuth = mod(a+180, 360)
	} else {
		azimuth = mod(540-a, 360)
	}
	return azimuth, altitude
}

// NormalizeSun maps (azimuth, altitude) in degrees to the label range used
// by the temporal kernel.
func NormalizeSun(azimuth, altitude float64) [2]float64 {
	return [2]float64{azimuth / 360, altitude / 90}
}
